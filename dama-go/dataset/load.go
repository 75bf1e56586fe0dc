package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/spf13/afero"
	"github.com/xeipuuv/gojsonschema"
)

// maxLineSize bounds a single JSON Lines record.
const maxLineSize = 64 << 20

var schema *gojsonschema.Schema

func init() {
	var err error
	schema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchema))
	if err != nil {
		panic(err)
	}
}

// Load reads the records of a JSON array or JSON Lines file.
func Load(fs afero.Fs, path string) ([]Record, error) {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read dataset %s", path)
	}

	raws, err := split(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse dataset %s", path)
	}

	records := make([]Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := parse(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: record %d", path, i)
		}
		records = append(records, rec)
	}
	return records, nil
}

// LoadPreferences is Load followed by Decode on every record.
func LoadPreferences(fs afero.Fs, path string) ([]Preference, error) {
	records, err := Load(fs, path)
	if err != nil {
		return nil, err
	}
	prefs := make([]Preference, 0, len(records))
	for i, r := range records {
		p, err := r.Decode()
		if err != nil {
			return nil, errors.Wrapf(err, "%s: record %d", path, i)
		}
		prefs = append(prefs, p)
	}
	return prefs, nil
}

// split returns the raw records of a JSON array or of JSON Lines.
func split(buf []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := sonic.Unmarshal(trimmed, &raws); err != nil {
			return nil, err
		}
		return raws, nil
	}

	var raws []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for scanner.Scan() {
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		raws = append(raws, json.RawMessage(append([]byte(nil), text...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return raws, nil
}

func parse(raw json.RawMessage) (Record, error) {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Record{}, err
	}
	if !res.Valid() {
		var msgs []string
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return Record{}, errors.Errorf("invalid record: %v", msgs)
	}

	var rec Record
	if err := sonic.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
