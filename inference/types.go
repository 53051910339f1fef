// Package inference classifies raw payload samples and proposes a parse rule
// for them. Analysis is a pure function of its input.
package inference

import "errors"

// Format is a detected payload format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
	FormatRaw  Format = "raw"
)

// FieldType is the inferred type of a field.
type FieldType string

const (
	TypeNumber   FieldType = "number"
	TypeString   FieldType = "string"
	TypeBoolean  FieldType = "boolean"
	TypeDatetime FieldType = "datetime"
)

// Confidence of each classification.
const (
	ConfidenceJSON      = 0.95
	ConfidenceCSV       = 0.9
	ConfidenceCSVRagged = 0.75
	ConfidenceXML       = 0.8
	ConfidenceRaw       = 0.6
	ConfidenceDefault   = 0.5
)

// ErrNoSamples is returned by Analyze when no sample carries data.
var ErrNoSamples = errors.New("unable to analyze: no data samples provided")

// Sample is one captured payload.
type Sample struct {
	RawData   string `json:"rawData"`
	Timestamp string `json:"timestamp,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Field describes one inferred field.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Unit        string    `json:"unit,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Structure is the shape of the detected format.
type Structure struct {
	Fields    []Field `json:"fields"`
	Separator string  `json:"separator,omitempty"`
	Encoding  string  `json:"encoding,omitempty"`
	Nested    bool    `json:"nested"`
}

// Analysis is the result of Analyze.
type Analysis struct {
	Confidence  float64   `json:"confidence"`
	Format      Format    `json:"format"`
	Structure   Structure `json:"structure"`
	ParseRule   string    `json:"parseRule"`
	Suggestions []string  `json:"suggestions"`
}

// SampleResult is the outcome of replaying a rule against one sample.
type SampleResult struct {
	Index  int         `json:"index"`
	OK     bool        `json:"ok"`
	Parsed interface{} `json:"parsed,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Validation is the result of Validate.
type Validation struct {
	Valid      bool           `json:"valid"`
	ParsedData []interface{}  `json:"parsedData,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Results    []SampleResult `json:"results"`
}
