package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	rules := Set{
		&RequiredValidator{Field: "host"},
		&RangeValidator{Field: "port", Min: 1, Max: 65535},
		&OneOfValidator{Field: "byteOrder", Values: []string{"ABCD", "DCBA", "BADC", "CDAB"}},
	}

	tests := []struct {
		name    string
		params  map[string]interface{}
		wantErr []string
	}{
		{
			name:   "valid",
			params: map[string]interface{}{"host": "10.0.0.5", "port": 502, "byteOrder": "abcd"},
		},
		{
			name:   "optional fields absent",
			params: map[string]interface{}{"HOST": "plc"},
		},
		{
			name:    "missing host",
			params:  map[string]interface{}{"port": "502"},
			wantErr: []string{"host is required"},
		},
		{
			name:    "everything wrong",
			params:  map[string]interface{}{"host": " ", "port": 70000.0, "byteOrder": "XYZW"},
			wantErr: []string{"host is required", "not in range", "must be one of"},
		},
		{
			name:    "non numeric port",
			params:  map[string]interface{}{"host": "plc", "port": "http"},
			wantErr: []string{"port is not numeric"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rules.Validate(tt.params)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				for _, want := range tt.wantErr {
					assert.Contains(t, err.Error(), want)
				}
			}
		})
	}
}

func TestAnyOfValidator(t *testing.T) {
	v := &AnyOfValidator{Fields: []string{"port", "vendorId"}}

	assert.NoError(t, v.Validate(map[string]interface{}{"vendorId": 0x2341}))
	assert.NoError(t, v.Validate(map[string]interface{}{"port": "/dev/ttyUSB0"}))
	assert.EqualError(t, v.Validate(map[string]interface{}{"port": ""}), "one of port, vendorId is required")
}

func TestRangeValidatorOnStruct(t *testing.T) {
	type reading struct {
		Temperature float64
		Count       uint8
	}
	v := &RangeValidator{Field: "Temperature", Min: -40, Max: 85}

	assert.NoError(t, v.Validate(reading{Temperature: 21.5}))
	assert.Error(t, v.Validate(&reading{Temperature: 120}))
	assert.NoError(t, (&RangeValidator{Field: "Count", Min: 0, Max: 10}).Validate(reading{Count: 3}))
	assert.Error(t, v.Validate(42))
}
