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

package recordstore

import (
	"reflect"
	"testing"
)

func Test_lower(t *testing.T) {
	tests := []struct {
		name string
		arg  interface{}
		want interface{}
	}{
		{"camel case keys", map[string]interface{}{"ImagePath": "a", "FileHash": "b"},
			map[string]interface{}{"image_path": "a", "file_hash": "b"}},
		{"hash names kept", map[string]interface{}{"Hashes": map[string]interface{}{"SHA-256": "x", "MD5": "y"}},
			map[string]interface{}{"hashes": map[string]interface{}{"SHA-256": "x", "MD5": "y"}}},
		{"empty values dropped", map[string]interface{}{"Name": "w1", "Status": "", "Bookmarks": []interface{}{}},
			map[string]interface{}{"name": "w1"}},
		{"nested lists", map[string]interface{}{"List": []interface{}{map[string]interface{}{"InnerKey": "v"}}},
			map[string]interface{}{"list": []interface{}{map[string]interface{}{"inner_key": "v"}}}},
		{"scalar passthrough", 42, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lower(tt.arg); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("lower() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_flatten(t *testing.T) {
	arg := map[string]interface{}{
		"type": "session",
		"image_info": map[string]interface{}{
			"KDBG": "0x1",
		},
		"list": []interface{}{"a", "b"},
	}

	got, err := flatten(arg)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]interface{}{
		"type":            "session",
		"image_info.KDBG": "0x1",
		"list.0":          "a",
		"list.1":          "b",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("flatten() = %v, want %v", got, want)
	}
}
