package transformer

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// ParseXML converts an XML document to plain values. The root element becomes
// a single-key map. Attributes are stored under "@name", repeated child
// elements become arrays and mixed text is stored under "#text". Elements
// with only text collapse to the string.
func ParseXML(s string) (interface{}, error) {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("xml document has no root element")
		}
		if err != nil {
			return nil, fmt.Errorf("invalid xml: %v", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			value, err := decodeElement(dec, start)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{start.Name.Local: value}, nil
		}
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	node := make(map[string]interface{})
	for _, attr := range start.Attr {
		node["@"+attr.Name.Local] = attr.Value
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid xml in <%s>: %v", start.Name.Local, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			addChild(node, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			content := strings.TrimSpace(text.String())
			if len(node) == 0 {
				return content, nil
			}
			if content != "" {
				node["#text"] = content
			}
			return node, nil
		}
	}
}

func addChild(node map[string]interface{}, name string, child interface{}) {
	existing, ok := node[name]
	if !ok {
		node[name] = child
		return
	}
	if list, ok := existing.([]interface{}); ok {
		node[name] = append(list, child)
		return
	}
	node[name] = []interface{}{existing, child}
}
