package invoicerelay

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"time"
)

// ContentFields are the scheduling fields embedded in an uploaded invoice.
type ContentFields struct {
	Date string
	Time string
}

// ExtractContentFields reads the first <date> and <time> elements found
// anywhere in the document. Both must be present and well formed.
func ExtractContentFields(content string) (ContentFields, error) {
	decoder := xml.NewDecoder(strings.NewReader(content))
	decoder.Strict = false

	var fields ContentFields
	var current string
	var text strings.Builder
	for fields.Date == "" || fields.Time == "" {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ContentFields{}, validationError("extract_content", Key{}, "malformed content: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			if name == "date" || name == "time" {
				current = name
				text.Reset()
			}
		case xml.CharData:
			if current != "" {
				text.Write(t)
			}
		case xml.EndElement:
			if current == "" || strings.ToLower(t.Name.Local) != current {
				continue
			}
			value := strings.TrimSpace(text.String())
			if current == "date" && fields.Date == "" {
				fields.Date = value
			}
			if current == "time" && fields.Time == "" {
				fields.Time = value
			}
			current = ""
		}
	}

	if fields.Date == "" {
		return ContentFields{}, validationError("extract_content", Key{}, "date field is missing")
	}
	if fields.Time == "" {
		return ContentFields{}, validationError("extract_content", Key{}, "time field is missing")
	}
	if _, err := time.Parse(DateLayout, fields.Date); err != nil {
		return ContentFields{}, validationError("extract_content", Key{}, "date %q is not formatted %s", fields.Date, DateLayout)
	}
	if _, err := time.Parse(TimeLayout, fields.Time); err != nil {
		return ContentFields{}, validationError("extract_content", Key{}, "time %q is not formatted %s", fields.Time, TimeLayout)
	}
	return fields, nil
}
