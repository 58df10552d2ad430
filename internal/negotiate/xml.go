package negotiate

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chronologos/gstream/internal/protocol"
)

// maxResponseSize caps how much of a response body is parsed.
const maxResponseSize = 1 << 20

var errFieldMissing = errors.New("field missing")

// checkRoot inspects the root element's status_code attribute. Hosts answer
// errors with HTTP 200 and a non-200 status_code on <root>.
func checkRoot(se xml.StartElement) error {
	var code, msg string
	for _, a := range se.Attr {
		switch a.Name.Local {
		case "status_code":
			code = a.Value
		case "status_message":
			msg = a.Value
		}
	}
	if code == "" || code == "200" {
		return nil
	}
	if msg == "" {
		msg = "no message"
	}
	return fmt.Errorf("%w: host status %s: %s", protocol.ErrProtocol, code, msg)
}

// findField scans the document token by token and returns the text of the
// first element named tag. The document is never fully materialized.
func findField(r io.Reader, tag string) (string, error) {
	dec := xml.NewDecoder(io.LimitReader(r, maxResponseSize))
	root := true
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("%w: <%s>: %w", protocol.ErrProtocol, tag, errFieldMissing)
		}
		if err != nil {
			return "", fmt.Errorf("%w: xml: %v", protocol.ErrProtocol, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if root {
			root = false
			if err := checkRoot(se); err != nil {
				return "", err
			}
		}
		if se.Name.Local == tag {
			text, err := elementText(dec)
			if err != nil {
				return "", fmt.Errorf("%w: <%s>: %v", protocol.ErrProtocol, tag, err)
			}
			return text, nil
		}
	}
}

// findInt is findField plus integer parsing.
func findInt(r io.Reader, tag string) (int64, error) {
	s, err := findField(r, tag)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: <%s> not numeric: %q", protocol.ErrProtocol, tag, s)
	}
	return n, nil
}

// elementText collects character data up to the matching end element.
// Nested elements are skipped.
func elementText(dec *xml.Decoder) (string, error) {
	var sb strings.Builder
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if depth == 0 {
				sb.Write(t)
			}
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				return strings.TrimSpace(sb.String()), nil
			}
			depth--
		}
	}
}

// parseAppList reads repeated <App> records. Entries without a title or with
// a non-numeric ID are skipped.
func parseAppList(r io.Reader) ([]App, error) {
	dec := xml.NewDecoder(io.LimitReader(r, maxResponseSize))
	var apps []App
	root := true

	var cur *App
	var curValid bool
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return apps, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: xml: %v", protocol.ErrProtocol, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if root {
				root = false
				if err := checkRoot(t); err != nil {
					return nil, err
				}
			}
			if t.Name.Local == "App" {
				cur = &App{}
				curValid = true
				continue
			}
			if cur == nil {
				continue
			}
			text, err := elementText(dec)
			if err != nil {
				return nil, fmt.Errorf("%w: xml: %v", protocol.ErrProtocol, err)
			}
			switch t.Name.Local {
			case "AppTitle":
				cur.Name = text
			case "ID":
				id, err := strconv.Atoi(text)
				if err != nil {
					curValid = false
				}
				cur.ID = id
			case "IsRunning":
				cur.Running = text == "1"
			}
		case xml.EndElement:
			if t.Name.Local == "App" && cur != nil {
				if curValid && cur.Name != "" && cur.ID != 0 {
					apps = append(apps, *cur)
				}
				cur = nil
			}
		}
	}
}
