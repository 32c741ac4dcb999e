// Copyright (c) 2021 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

package volatility

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensicanalysis/memproc"
)

func TestParseTable(t *testing.T) {
	data := `{"columns": ["Offset(V)", "Name", "PID"],
		"rows": [[2185005424640, "System", 4], [2185037238272, "smss.exe", 280]]}`

	table, err := ParseTable(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"Offset(V)", "Name", "PID"}, table.Columns)
	require.Len(t, table.Rows, 2)
	// all cells are canonicalized to strings
	assert.Equal(t, []string{"2185005424640", "System", "4"}, table.Rows[0])
	assert.Equal(t, []string{"2185037238272", "smss.exe", "280"}, table.Rows[1])
}

func TestParseTable_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "Volatility Foundation Volatility Framework 2.6"},
		{"no table keys", `{"output": "text"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTable(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestParseTable_Empty(t *testing.T) {
	table, err := ParseTable(`{"columns": ["PID"], "rows": []}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"PID"}, table.Columns)
	assert.Empty(t, table.Rows)
}

func TestParsePluginList(t *testing.T) {
	output := `Volatility Foundation Volatility Framework 2.6

Profiles
--------
Win7SP1x64 - A Profile for Windows 7 SP1 x64

Plugins
-------
amcache - Print AmCache information
apihooks - Detect API hooks in process and kernel memory
pslist - Print all running processes by following the EPROCESS lists

Address Spaces
--------------
AMD64PagedMemory - Standard AMD 64-bit address space.
`

	plugins := ParsePluginList(output)
	require.Len(t, plugins, 3)
	assert.Equal(t, memproc.PluginInfo{Name: "amcache", Help: "Print AmCache information"}, plugins[0])
	assert.Equal(t, memproc.PluginInfo{Name: "apihooks", Help: "Detect API hooks in process and kernel memory"}, plugins[1])
	assert.Equal(t, memproc.PluginInfo{Name: "pslist", Help: "Print all running processes by following the EPROCESS lists"}, plugins[2])
}

func TestParsePluginList_Empty(t *testing.T) {
	assert.Empty(t, ParsePluginList("no plugin section here"))
}

func TestParseProfileSuggestions(t *testing.T) {
	output := `Volatility Foundation Volatility Framework 2.6
**************************************************
Instantiating KDBG using: Kernel AS Win7SP1x64
Offset (V)                    : 0xf80002c460a0
Profile suggestion (KDBGHeader): Win7SP1x64
Version64                     : 0xf80002c46068
**************************************************
Instantiating KDBG using: Kernel AS Win7SP1x64
Profile suggestion (KDBGHeader): Win7SP0x64
**************************************************
Profile suggestion (KDBGHeader): Win7SP1x64
`

	profiles := ParseProfileSuggestions(output)
	// deduplicated, in order of appearance
	assert.Equal(t, []string{"Win7SP1x64", "Win7SP0x64"}, profiles)
}

func TestParseProfileSuggestions_None(t *testing.T) {
	assert.Empty(t, ParseProfileSuggestions("nothing found"))
}
