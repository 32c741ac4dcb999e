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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/qri-io/jsonschema"
	"github.com/tidwall/gjson"

	"github.com/forensicanalysis/stixgo"
)

var schemaSetup sync.Once

// setupSchemaValidation registers the STIX 2.1 observable schemas. Artifact
// metadata documents ("file", "process") are validated against them; types
// without a schema are not validated.
func setupSchemaValidation() {
	schemaSetup.Do(func() {
		registry := jsonschema.GetSchemaRegistry()
		for _, content := range stixgo.FS {
			// convert to draft/2019-09
			content = bytes.Replace(content, []byte(`"definitions"`), []byte(`"$defs"`), -1)
			content = bytes.Replace(content, []byte(`"#/definitions/`), []byte(`"#/$defs/`), -1)
			content = bytes.Replace(content,
				[]byte(`"$schema": "http://json-schema.org/draft-07/schema#",`),
				[]byte(`"$schema": "https://json-schema.org/draft/2019-09/schema#",`),
				-1,
			)

			schema := &jsonschema.Schema{}
			if err := json.Unmarshal(content, schema); err != nil {
				panic(err)
			}

			id := string(*schema.JSONProp("$id").(*jsonschema.ID))
			schema.Resolve(nil, id)
			registry.Register(schema)
		}
	})
}

func validateSchema(doc Document) (flaws []string, err error) {
	docType := gjson.GetBytes(doc, discriminator)
	if !docType.Exists() {
		flaws = append(flaws, "document needs to have a type")
	}

	schema := jsonschema.GetSchemaRegistry().GetKnown(fmt.Sprintf(
		"http://raw.githubusercontent.com/oasis-open/cti-stix2-json-schemas/stix2.1/schemas/observables/%s.json",
		docType.String(),
	))

	if schema == nil {
		return flaws, nil
	}

	errs, err := schema.ValidateBytes(context.Background(), doc)
	if err != nil {
		return nil, err
	}
	for _, verr := range errs {
		flaws = append(flaws, fmt.Sprintf("failed to validate document: %s", verr))
	}
	return flaws, nil
}
