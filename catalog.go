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

package memproc

import (
	"context"
	"sort"
)

// Catalog lists the plugins the analysis engine offers for a profile,
// filtered by the static drop list of plugins this pipeline cannot handle.
type Catalog struct {
	engine Engine
	drop   map[string]bool
}

// NewCatalog creates a catalog adapter with a drop filter.
func NewCatalog(engine Engine, dropPlugins []string) *Catalog {
	drop := map[string]bool{}
	for _, name := range dropPlugins {
		drop[name] = true
	}
	return &Catalog{engine: engine, drop: drop}
}

// CompatiblePlugins returns the non-dropped plugins for a profile and
// image, sorted by name. Engine errors propagate unchanged.
func (c *Catalog) CompatiblePlugins(ctx context.Context, profile, imagePath string) ([]PluginInfo, error) {
	plugins, err := c.engine.ListPlugins(ctx, profile, imagePath)
	if err != nil {
		return nil, err
	}

	var compatible []PluginInfo
	for _, plugin := range plugins {
		if c.drop[plugin.Name] {
			continue
		}
		compatible = append(compatible, plugin)
	}
	sort.Slice(compatible, func(i, j int) bool { return compatible[i].Name < compatible[j].Name })
	return compatible, nil
}

// Dropped reports whether a plugin name is excluded by the drop filter.
func (c *Catalog) Dropped(name string) bool {
	return c.drop[name]
}
