package normalize

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
)

// parseXML reads SDMX-ML 2.1 data messages. Both the generic layout
// (SeriesKey/Value, Obs/ObsDimension/ObsValue, or flat Obs/ObsKey) and the
// structure-specific layout (dimension values as Series/Obs attributes) are
// understood. Namespaces are ignored; elements are matched by local name.
func parseXML(column string, body []byte, opts Options) ([]Record, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }

	var (
		records   []Record
		sawData   bool
		series    map[string]string
		obs       map[string]string
		inKey     bool // SeriesKey
		inObsKey  bool
		inObsAttr bool
		errorText strings.Builder
		inError   bool
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Format: client.FormatXML, Reason: err.Error()}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "DataSet":
				sawData = true
			case "Error", "ErrorMessage":
				inError = true
			case "Series":
				series = attrMap(t.Attr)
			case "SeriesKey":
				inKey = true
			case "Obs":
				obs = attrMap(t.Attr)
			case "ObsKey":
				inObsKey = true
			case "Attributes":
				inObsAttr = obs != nil
			case "ObsDimension":
				if obs != nil {
					id := fieldName(attr(t.Attr, "id"))
					if id == "" {
						id = "TIME_PERIOD"
					}
					obs[id] = attr(t.Attr, "value")
				}
			case "ObsValue":
				if obs != nil {
					obs["OBS_VALUE"] = attr(t.Attr, "value")
				}
			case "Value":
				id, value := fieldName(attr(t.Attr, "id")), attr(t.Attr, "value")
				switch {
				case inKey && series != nil:
					series[id] = value
				case (inObsKey || inObsAttr) && obs != nil:
					obs[id] = value
				}
			}

		case xml.CharData:
			if inError {
				errorText.Write(bytes.TrimSpace(t))
				errorText.WriteByte(' ')
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "Error", "ErrorMessage":
				inError = false
			case "SeriesKey":
				inKey = false
			case "ObsKey":
				inObsKey = false
			case "Attributes":
				inObsAttr = false
			case "Series":
				series = nil
			case "Obs":
				fields := make(map[string]string, len(series)+len(obs))
				for k, v := range series {
					fields[k] = v
				}
				for k, v := range obs {
					fields[k] = v
				}
				obs = nil
				rec, err := recordFrom(column, fields, opts)
				if err != nil {
					return nil, &ParseError{Format: client.FormatXML, Reason: err.Error()}
				}
				records = append(records, rec)
			}
		}
	}

	if !sawData {
		reason := "no DataSet element"
		if msg := strings.TrimSpace(errorText.String()); msg != "" {
			reason = fmt.Sprintf("error message: %s", msg)
		}
		return nil, &ParseError{Format: client.FormatXML, Reason: reason}
	}
	return records, nil
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		m[fieldName(a.Name.Local)] = a.Value
	}
	return m
}

func attr(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
