package catalogs

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed ability.schema.json
var abilitySchemaJSON string

const abilitySchemaURL = "ability.schema.json"

func compileAbilitySchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(abilitySchemaURL, strings.NewReader(abilitySchemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(abilitySchemaURL)
}

// Load reads every configDir/abilities/**/*.json file (one ability per file),
// validates it, registers it and seals the store.
func Load(configDir string) (*AbilityStore, error) {
	schema, err := compileAbilitySchema()
	if err != nil {
		return nil, fmt.Errorf("ability schema: %w", err)
	}
	dir := filepath.Join(configDir, "abilities")
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	s := NewAbilityStore()
	var concat bytes.Buffer
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		concat.Write(b)
		concat.WriteByte('\n')

		def, err := decodeAbility(schema, b)
		if err != nil {
			return nil, fmt.Errorf("ability %s: %w", filepath.Base(p), err)
		}
		if err := s.Register(def); err != nil {
			return nil, fmt.Errorf("ability %s: %w", filepath.Base(p), err)
		}
	}
	s.digest = sha256Hex(concat.Bytes())
	s.Seal()
	return s, nil
}

func decodeAbility(schema *jsonschema.Schema, raw []byte) (AbilityDef, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return AbilityDef{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return AbilityDef{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	var def AbilityDef
	if err := json.Unmarshal(raw, &def); err != nil {
		return AbilityDef{}, err
	}
	return def, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
