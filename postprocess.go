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
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/forensicanalysis/memproc/artifactstore"
	"github.com/forensicanalysis/memproc/recordstore"
)

// Routine kinds. Plugins of the same kind share an extraction and
// normalization strategy; new kinds register a strategy instead of adding a
// conditional branch.
const (
	// KindFileCarver dumps arbitrary file sections into scratch storage.
	KindFileCarver = "file-carver"
	// KindNamedDumper emits one scratch file per result row, named in the
	// row's trailing status cell.
	KindNamedDumper = "named-output-dumper"
	// KindHiveDumper dumps registry hives; the table is rebuilt from the
	// scratch listing alone.
	KindHiveDumper = "registry-hive-dumper"
	// KindCertDumper references its dump filename at a fixed column.
	KindCertDumper = "certificate-dumper"
	// KindBlockDumper emits preformatted text that is re-parsed into
	// per process records.
	KindBlockDumper = "block-dumper"
	// KindProfileIdent produces key/value image metadata for the session.
	KindProfileIdent = "profile-identifier"
	// KindHiveLister gets a trailing hive key browsing action column.
	KindHiveLister = "hive-lister"
	// KindCodeExtractor gets a trailing injected code extraction action
	// column.
	KindCodeExtractor = "code-extractor"
)

// An ExtractFunc maps the files a plugin dumped into scratch storage to
// table rows and artifact records. It must be idempotent given the same
// input; it never removes the scratch directory.
type ExtractFunc func(ctx context.Context, n *Normalizer, req RunRequest, raw *ResultTable, scratch string) (*ResultTable, error)

// Normalizer turns raw plugin output into the uniform ResultTable shape:
// artifact extraction for plugins that used a scratch directory, a leading
// 1-based sequence column, trailing action reference columns for selected
// kinds, and image metadata parsing for the profile identifier.
type Normalizer struct {
	records    recordstore.Store
	artifacts  *artifactstore.Store
	fs         afero.Fs
	kinds      map[string]string
	extractors map[string]ExtractFunc
	log        *slog.Logger
}

// NewNormalizer creates a normalizer with the built-in strategies
// registered.
func NewNormalizer(records recordstore.Store, artifacts *artifactstore.Store, fs afero.Fs) *Normalizer {
	n := &Normalizer{
		records:    records,
		artifacts:  artifacts,
		fs:         fs,
		kinds:      map[string]string{},
		extractors: map[string]ExtractFunc{},
		log:        slog.Default().With("component", "normalizer"),
	}

	n.RegisterKind(KindFileCarver, []string{"dumpfiles"}, extractCarvedFiles)
	n.RegisterKind(KindNamedDumper, []string{"procdump", "dlldump"}, extractNamedOutput)
	n.RegisterKind(KindHiveDumper, []string{"dumpregistry"}, extractHiveDumps)
	n.RegisterKind(KindCertDumper, []string{"dumpcerts"}, extractCertificates)
	n.RegisterKind(KindBlockDumper, []string{"memdump"}, extractMemoryBlocks)
	n.RegisterKind(KindProfileIdent, []string{"imageinfo"}, nil)
	n.RegisterKind(KindHiveLister, []string{"hivelist", "hivescan"}, nil)
	n.RegisterKind(KindCodeExtractor, []string{"malfind"}, nil)

	return n
}

// RegisterKind assigns plugins to a kind and optionally registers the
// kind's extraction strategy. Registering an existing kind replaces its
// strategy.
func (n *Normalizer) RegisterKind(kind string, plugins []string, extract ExtractFunc) {
	for _, name := range plugins {
		n.kinds[strings.ToLower(name)] = kind
	}
	if extract != nil {
		n.extractors[kind] = extract
	}
}

// Kind returns the registered kind of a plugin, or the empty string.
func (n *Normalizer) Kind(plugin string) string {
	return n.kinds[strings.ToLower(plugin)]
}

// Normalize post-processes one raw plugin result. The scratch directory is
// only read, never removed; the executor owns its lifecycle.
func (n *Normalizer) Normalize(ctx context.Context, req RunRequest, raw *ResultTable, scratch string) (*ResultTable, error) {
	result := raw
	kind := n.Kind(req.Plugin)

	if scratch != "" {
		if extract, ok := n.extractors[kind]; ok {
			extracted, err := extract(ctx, n, req, raw, scratch)
			if err != nil {
				return nil, errors.Wrapf(err, "artifact extraction for %s failed", req.Plugin)
			}
			result = extracted
		}
	}

	if kind == KindProfileIdent {
		if err := n.applyImageInfo(req, result); err != nil {
			n.log.Error("could not store image metadata", "session", req.Session.ID, "error", err)
		}
	}

	n.number(req, kind, result)
	return result, nil
}

// number injects the sequence column and the per kind action columns.
// Sequence numbers are 1-based in original row order. Block dumper and file
// carver rows are only numbered at their pre-insert arities, so rebuilt
// rows are never numbered twice.
func (n *Normalizer) number(req RunRequest, kind string, result *ResultTable) {
	if len(result.Columns) == 0 || result.Columns[0] != "#" {
		result.Columns = append([]string{"#"}, result.Columns...)
	}

	switch kind {
	case KindHiveLister:
		result.Columns = append(result.Columns, "Extract Keys")
	case KindCodeExtractor:
		result.Columns = append(result.Columns, "Extract Injected Code")
	}

	counter := 1
	for i, row := range result.Rows {
		switch kind {
		case KindBlockDumper:
			if len(row) == 3 {
				row = insertCell(row, fmt.Sprint(counter))
			}
		case KindFileCarver:
			if len(row) == 4 {
				row = insertCell(row, fmt.Sprint(counter))
			}
		default:
			row = insertCell(row, fmt.Sprint(counter))
		}

		switch kind {
		case KindHiveLister:
			row = append(row, actionRef("hive-keys", req.RunID, counter))
		case KindCodeExtractor:
			row = append(row, actionRef("extract-injected", req.RunID, counter))
		}

		result.Rows[i] = row
		counter++
	}
}

// applyImageInfo parses the profile identifier's free text output line by
// line on " : " and writes the resulting metadata onto the owning session.
func (n *Normalizer) applyImageInfo(req RunRequest, result *ResultTable) error {
	if len(result.Rows) == 0 || len(result.Rows[0]) == 0 {
		return nil
	}
	text := result.Rows[0][len(result.Rows[0])-1]

	info := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		key, value, found := strings.Cut(line, " : ")
		if !found {
			continue
		}
		info[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if len(info) == 0 {
		return nil
	}
	req.Session.ImageInfo = info

	partial, err := json.Marshal(map[string]interface{}{
		"image_info": info,
		"modified":   Now(),
	})
	if err != nil {
		return err
	}
	return n.records.Update(req.Session.ID, partial)
}

// storeScratchFile stores one scratch file as an artifact with a metadata
// record and returns the reference cell for the result table.
func (n *Normalizer) storeScratchFile(req RunRequest, scratch, name string) (string, error) {
	file, err := n.fs.Open(filepath.Join(scratch, name))
	if err != nil {
		return "", errors.Wrapf(err, "could not open dumped file %s", name)
	}
	defer file.Close()

	hash, size, _, err := n.artifacts.Put(file)
	if err != nil {
		return "", errors.Wrapf(err, "could not store dumped file %s", name)
	}

	meta := NewArtifactFile(name, req.Session.ID, req.Plugin, TagPluginOutput, hash, size)
	id, err := n.records.InsertStruct(meta)
	if err != nil {
		return "", errors.Wrapf(err, "could not record artifact %s", name)
	}
	return artifactRef(id), nil
}

// listScratch returns the plain file names in the scratch directory, sorted.
func (n *Normalizer) listScratch(scratch string) (map[string]bool, []string, error) {
	infos, err := afero.ReadDir(n.fs, scratch)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not list scratch directory")
	}
	set := map[string]bool{}
	var names []string
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		set[info.Name()] = true
		names = append(names, info.Name())
	}
	return set, names, nil
}

func artifactRef(id string) string {
	return "artifact://" + id
}

func actionRef(action, runID string, row int) string {
	return fmt.Sprintf("action://%s/%s/%d", action, runID, row)
}

const notStored = "Not Stored"

/* ################################
#   Built-in extraction strategies
################################ */

// extractCarvedFiles classifies each dumped file by extension and emits one
// row per file.
func extractCarvedFiles(ctx context.Context, n *Normalizer, req RunRequest, raw *ResultTable, scratch string) (*ResultTable, error) {
	_, names, err := n.listScratch(scratch)
	if err != nil {
		return nil, err
	}

	result := &ResultTable{Columns: []string{"Offset", "FileName", "ImageType", "StoredFile"}}
	for _, name := range names {
		var imageType string
		switch {
		case strings.HasSuffix(name, "img"):
			imageType = "ImageSectionObject"
		case strings.HasSuffix(name, "dat"):
			imageType = "DataSectionObject"
		case strings.HasSuffix(name, "vacb"):
			imageType = "SharedCacheMap"
		default:
			imageType = "N/A"
		}

		ref, err := n.storeScratchFile(req, scratch, name)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, []string{req.Options["PHYSOFFSET"], name, imageType, ref})
	}
	return result, nil
}

// extractNamedOutput appends a StoredFile column; rows whose trailing
// status cell reads "OK: <name>" reference the stored file.
func extractNamedOutput(ctx context.Context, n *Normalizer, req RunRequest, raw *ResultTable, scratch string) (*ResultTable, error) {
	files, _, err := n.listScratch(scratch)
	if err != nil {
		return nil, err
	}

	raw.Columns = append(raw.Columns, "StoredFile")
	for i, row := range raw.Rows {
		stored := notStored
		if len(row) > 0 && strings.HasPrefix(row[len(row)-1], "OK") {
			parts := strings.SplitN(row[len(row)-1], "OK: ", 2)
			name := parts[len(parts)-1]
			if files[name] {
				stored, err = n.storeScratchFile(req, scratch, name)
				if err != nil {
					return nil, err
				}
			}
		}
		raw.Rows[i] = append(row, stored)
	}
	return raw, nil
}

// extractHiveDumps discards the raw result and rebuilds the table from the
// scratch listing alone.
func extractHiveDumps(ctx context.Context, n *Normalizer, req RunRequest, raw *ResultTable, scratch string) (*ResultTable, error) {
	_, names, err := n.listScratch(scratch)
	if err != nil {
		return nil, err
	}

	result := &ResultTable{Columns: []string{"Hive Name", "StoredFile"}}
	for _, name := range names {
		ref, err := n.storeScratchFile(req, scratch, name)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, []string{name, ref})
	}
	return result, nil
}

// certificate dump filename column in the raw result.
const certFileColumn = 5

// extractCertificates resolves the dump filename embedded at a fixed column
// in each row.
func extractCertificates(ctx context.Context, n *Normalizer, req RunRequest, raw *ResultTable, scratch string) (*ResultTable, error) {
	files, _, err := n.listScratch(scratch)
	if err != nil {
		return nil, err
	}

	for i, row := range raw.Rows {
		stored := notStored
		if len(row) > certFileColumn && files[row[certFileColumn]] {
			stored, err = n.storeScratchFile(req, scratch, row[certFileColumn])
			if err != nil {
				return nil, err
			}
		}
		raw.Rows[i] = append(row, stored)
	}
	raw.Columns = append(raw.Columns, "StoredFile")
	return raw, nil
}

// memory block dump records are separated by a fixed width asterisk line.
var blockSeparator = strings.Repeat("*", 72)

// extractMemoryBlocks re-parses the plugin's preformatted text into one
// record per process and stores the referenced dump files.
func extractMemoryBlocks(ctx context.Context, n *Normalizer, req RunRequest, raw *ResultTable, scratch string) (*ResultTable, error) {
	files, _, err := n.listScratch(scratch)
	if err != nil {
		return nil, err
	}

	result := &ResultTable{Columns: []string{"Process", "PID", "StoredFile"}}
	if len(raw.Rows) == 0 || len(raw.Rows[0]) == 0 {
		return result, nil
	}
	text := raw.Rows[0][len(raw.Rows[0])-1]

	for _, block := range strings.Split(text, blockSeparator) {
		if !strings.Contains(block, ".dmp") {
			continue
		}
		fields := strings.Fields(block)
		if len(fields) < 2 {
			continue
		}
		process := fields[1]
		dumpFile := fields[len(fields)-1]
		pid := strings.SplitN(dumpFile, ".", 2)[0]

		stored := notStored
		if files[dumpFile] {
			stored, err = n.storeScratchFile(req, scratch, dumpFile)
			if err != nil {
				return nil, err
			}
		}
		result.Rows = append(result.Rows, []string{process, pid, stored})
	}
	return result, nil
}

func insertCell(row []string, cell string) []string {
	return append([]string{cell}, row...)
}
