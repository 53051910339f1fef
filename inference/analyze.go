package inference

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/eddielth/data-ingest/transformer"
)

// maxDepth stops the walk into nested objects once the parent name has this
// many segments, so field names have at most maxDepth+1 segments.
const maxDepth = 3

// typedRows is how many data rows below a CSV header are used for typing.
const typedRows = 5

var csvSeparators = []string{",", ";", "\t", "|"}

var datetimePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`),
	regexp.MustCompile(`^\d{2}/\d{2}/\d{4}`),
	regexp.MustCompile(`^\d{4}/\d{2}/\d{2}`),
}

var units = []struct {
	match   string
	unit    string
	numeric bool
}{
	{match: "temp", unit: "°C"},
	{match: "humidity", unit: "%"},
	{match: "pressure", unit: "Pa"},
	{match: "voltage", unit: "V"},
	{match: "current", unit: "A"},
	{match: "power", unit: "W"},
	{match: "speed", unit: "m/s"},
	{match: "distance", unit: "m"},
	{match: "length", unit: "m"},
	{match: "weight", unit: "kg"},
	{match: "mass", unit: "kg"},
	{match: "time", unit: "s", numeric: true},
}

// Analyze classifies samples and proposes a parse rule. Samples are tried in
// order; the first one recognized as JSON, CSV or XML decides the format.
// ErrNoSamples is returned, together with the default analysis, when no
// sample carries data.
func Analyze(samples []Sample) (Analysis, error) {
	var data []string
	for _, s := range samples {
		if raw := strings.TrimSpace(s.RawData); raw != "" {
			data = append(data, raw)
		}
	}
	if len(data) == 0 {
		return defaultAnalysis(), ErrNoSamples
	}

	for i, raw := range data {
		var analysis Analysis
		var ok bool
		switch {
		case isJSON(raw):
			analysis, ok = analyzeJSON(data[i:]), true
		case isCSV(raw):
			analysis, ok = analyzeCSV(raw), true
		case isXML(raw):
			analysis, ok = analyzeXML(raw), true
		}
		if ok {
			if i > 0 {
				analysis.Suggestions = append(analysis.Suggestions,
					fmt.Sprintf("the first %d sample(s) did not match this format", i))
			}
			return analysis, nil
		}
	}
	return analyzeRaw(data[0]), nil
}

func defaultAnalysis() Analysis {
	return Analysis{
		Confidence: ConfidenceDefault,
		Format:     FormatRaw,
		Structure: Structure{
			Fields: []Field{{Name: "raw_data", Type: TypeString, Description: "raw payload"}},
		},
		ParseRule: "data.toString()",
		Suggestions: []string{
			"unable to detect the data format",
			"configure the parse rule manually",
			"provide more data samples to improve detection",
		},
	}
}

// fieldSet keeps fields in discovery order.
type fieldSet struct {
	fields []Field
	index  map[string]int
}

func newFieldSet() *fieldSet {
	return &fieldSet{index: make(map[string]int)}
}

// add records f unless a field of the same name is already known.
func (s *fieldSet) add(f Field) {
	if _, ok := s.index[f.Name]; ok {
		return
	}
	s.index[f.Name] = len(s.fields)
	s.fields = append(s.fields, f)
}

func unitFor(name string, numeric bool) string {
	lower := strings.ToLower(name)
	for _, u := range units {
		if strings.Contains(lower, u.match) && (!u.numeric || numeric) {
			return u.unit
		}
	}
	return ""
}

func isDatetime(s string) bool {
	for _, p := range datetimePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// JSON

// object is a decoded JSON object that remembers key order.
type object struct {
	keys   []string
	values map[string]interface{}
}

func decodeOrdered(raw string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch delim {
	case '{':
		obj := &object{values: make(map[string]interface{})}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			if _, dup := obj.values[key]; !dup {
				obj.keys = append(obj.keys, key)
			}
			obj.values[key] = v
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := make([]interface{}, 0)
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %v", delim)
}

func isJSON(raw string) bool {
	_, err := decodeOrdered(raw)
	return err == nil
}

func jsonType(v interface{}) FieldType {
	switch t := v.(type) {
	case json.Number:
		return TypeNumber
	case bool:
		return TypeBoolean
	case string:
		if isDatetime(t) {
			return TypeDatetime
		}
	}
	return TypeString
}

// rootObject returns the object whose fields describe the document: the
// document itself, or the first element of an array of objects.
func rootObject(v interface{}) (*object, bool) {
	switch t := v.(type) {
	case *object:
		return t, false
	case []interface{}:
		if len(t) > 0 {
			if obj, ok := t[0].(*object); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

// walkObject records every key of obj, objects included, then descends into
// nested objects. The root and its direct children both count as one level.
func walkObject(obj *object, prefix string, fields *fieldSet) {
	for _, key := range obj.keys {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		value := obj.values[key]
		typ := jsonType(value)
		fields.add(Field{
			Name:        name,
			Type:        typ,
			Unit:        unitFor(key, typ == TypeNumber),
			Description: "JSON field " + name,
		})
		if child, ok := value.(*object); ok && strings.Count(prefix, ".")+1 < maxDepth {
			walkObject(child, name, fields)
		}
	}
}

func hasNestedObject(obj *object) bool {
	for _, key := range obj.keys {
		if _, ok := obj.values[key].(*object); ok {
			return true
		}
	}
	return false
}

func analyzeJSON(data []string) Analysis {
	fields := newFieldSet()
	nested := false
	var array, scalar bool

	for i, raw := range data {
		v, err := decodeOrdered(raw)
		if err != nil {
			continue
		}
		obj, fromArray := rootObject(v)
		if obj == nil {
			if i == 0 {
				scalar = true
				typ := jsonType(v)
				fields.add(Field{Name: "value", Type: typ, Description: "JSON value"})
			}
			continue
		}
		if i == 0 {
			array = fromArray
		}
		nested = nested || hasNestedObject(obj)
		walkObject(obj, "", fields)
	}

	suggestions := []string{"data is standard JSON", "enable field type validation"}
	if nested {
		suggestions = append(suggestions, "nested objects are flattened as parent.child fields")
	}
	if array {
		suggestions = append(suggestions, "fields were taken from the first element of the array")
	}
	if scalar {
		suggestions = append(suggestions, "the payload is a single JSON value")
	}
	if len(data) > 1 {
		suggestions = append(suggestions, fmt.Sprintf("fields merged from %d samples", len(data)))
	}

	return Analysis{
		Confidence:  ConfidenceJSON,
		Format:      FormatJSON,
		Structure:   Structure{Fields: fields.fields, Nested: nested},
		ParseRule:   "JSON.parse(data)",
		Suggestions: suggestions,
	}
}

// CSV

func splitLines(raw string) []string {
	lines := strings.Split(raw, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

func isCSV(raw string) bool {
	lines := splitLines(raw)
	if len(lines) < 2 {
		return false
	}
	for _, sep := range csvSeparators {
		n := len(strings.Split(lines[0], sep))
		if n > 1 && n == len(strings.Split(lines[1], sep)) {
			return true
		}
	}
	return false
}

func detectSeparator(header string) string {
	best, most := csvSeparators[0], 0
	for _, sep := range csvSeparators {
		if n := len(strings.Split(header, sep)); n > most {
			best, most = sep, n
		}
	}
	return best
}

func columnType(rows [][]string, col int) FieldType {
	var values []string
	for _, row := range rows {
		if col < len(row) {
			if v := strings.TrimSpace(row[col]); v != "" {
				values = append(values, v)
			}
		}
	}
	if len(values) == 0 {
		return TypeString
	}

	numeric, boolean := true, true
	datetime := false
	for _, v := range values {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			numeric = false
		}
		switch strings.ToLower(v) {
		case "true", "false", "1", "0", "yes", "no":
		default:
			boolean = false
		}
		if isDatetime(v) {
			datetime = true
		}
	}
	switch {
	case numeric:
		return TypeNumber
	case boolean:
		return TypeBoolean
	case datetime:
		return TypeDatetime
	}
	return TypeString
}

func csvRule(sep string) string {
	if sep == "\t" {
		sep = `\t`
	}
	return `data.split('\n').filter(line => line.trim() !== '').map(line => line.split('` + sep + `'))`
}

func separatorName(sep string) string {
	if sep == "\t" {
		return "tab"
	}
	return strconv.Quote(sep)
}

func analyzeCSV(raw string) Analysis {
	var lines []string
	for _, l := range splitLines(raw) {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	sep := detectSeparator(lines[0])
	headers := strings.Split(lines[0], sep)

	rows := make([][]string, 0, len(lines)-1)
	ragged := 0
	for _, l := range lines[1:] {
		row := strings.Split(l, sep)
		if len(row) != len(headers) {
			ragged++
		}
		rows = append(rows, row)
	}
	typed := rows
	if len(typed) > typedRows {
		typed = typed[:typedRows]
	}

	fields := newFieldSet()
	for i, h := range headers {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		typ := columnType(typed, i)
		fields.add(Field{
			Name:        name,
			Type:        typ,
			Unit:        unitFor(name, typ == TypeNumber),
			Description: fmt.Sprintf("CSV column %d", i+1),
		})
	}

	analysis := Analysis{
		Confidence: ConfidenceCSV,
		Format:     FormatCSV,
		Structure:  Structure{Fields: fields.fields, Separator: sep},
		ParseRule:  csvRule(sep),
		Suggestions: []string{
			"data is CSV",
			"separator detected automatically: " + separatorName(sep),
			"verify the inferred column types",
		},
	}
	if ragged > 0 {
		analysis.Confidence = ConfidenceCSVRagged
		analysis.Suggestions = append(analysis.Suggestions,
			fmt.Sprintf("%d row(s) do not have %d columns; check for quoted separators or truncated lines", ragged, len(headers)))
	}
	return analysis
}

// XML and raw

func isXML(raw string) bool {
	return strings.HasPrefix(raw, "<") && strings.HasSuffix(raw, ">")
}

func analyzeXML(raw string) Analysis {
	suggestions := []string{"data is XML", "configure element paths to extract fields"}
	if doc, err := transformer.ParseXML(raw); err != nil {
		suggestions = append(suggestions, "the sample is not well-formed: "+err.Error())
	} else if root, ok := doc.(map[string]interface{}); ok {
		for name := range root {
			suggestions = append(suggestions, "root element is <"+name+">")
		}
	}
	return Analysis{
		Confidence: ConfidenceXML,
		Format:     FormatXML,
		Structure: Structure{
			Fields: []Field{{Name: "parsed_xml", Type: TypeString, Description: "parsed XML document"}},
			Nested: true,
		},
		ParseRule:   "parseXML(data)",
		Suggestions: suggestions,
	}
}

func analyzeRaw(raw string) Analysis {
	encoding := "utf8"
	if !utf8.ValidString(raw) {
		encoding = "binary"
	}
	return Analysis{
		Confidence: ConfidenceRaw,
		Format:     FormatRaw,
		Structure: Structure{
			Fields:   []Field{{Name: "raw_data", Type: TypeString, Description: "raw payload"}},
			Encoding: encoding,
		},
		ParseRule: "data.toString()",
		Suggestions: []string{
			"no standard format recognized",
			"configure the parse rule manually",
			"a regular expression can extract values from the payload",
		},
	}
}
