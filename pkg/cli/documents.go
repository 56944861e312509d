package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nimburion/mongoengine/pkg/engine"
	"github.com/nimburion/mongoengine/pkg/query"
	"go.mongodb.org/mongo-driver/bson"
)

// maxDocumentLine matches MongoDB's 16MiB document limit.
const maxDocumentLine = 16 << 20

// parseDocument decodes one MongoDB extended JSON object.
func parseDocument(data []byte) (engine.Document, error) {
	var doc bson.M
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return engine.Document(doc), nil
}

// parseFilter decodes a --filter value. An empty value matches everything.
func parseFilter(raw string) (query.Filter, error) {
	if strings.TrimSpace(raw) == "" {
		return query.Filter{}, nil
	}
	doc, err := parseDocument([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return query.Filter(doc), nil
}

// parseSort decodes "field,-other" into ordered sort fields.
func parseSort(raw string) ([]query.SortField, error) {
	var fields []query.SortField
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
			continue
		case strings.HasPrefix(part, "-"):
			fields = append(fields, query.Desc(strings.TrimPrefix(part, "-")))
		default:
			fields = append(fields, query.Asc(strings.TrimPrefix(part, "+")))
		}
		if fields[len(fields)-1].Field == "" {
			return nil, fmt.Errorf("invalid sort field %q", part)
		}
	}
	return fields, nil
}

// parseProjection decodes "a,b,-c" into a projection document.
func parseProjection(raw string) map[string]any {
	var projection map[string]any
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if projection == nil {
			projection = map[string]any{}
		}
		if strings.HasPrefix(part, "-") {
			projection[strings.TrimPrefix(part, "-")] = 0
			continue
		}
		projection[part] = 1
	}
	return projection
}

// readDocuments calls fn for every JSON document in r, one per line.
func readDocuments(r io.Reader, fn func(engine.Document) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxDocumentLine)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		doc, err := parseDocument(data)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// writeDocument prints doc as one line of relaxed extended JSON.
func writeDocument(w io.Writer, doc engine.Document) error {
	data, err := bson.MarshalExtJSON(bson.M(doc), false, false)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func writeCount(w io.Writer, n int64) error {
	_, err := io.WriteString(w, strconv.FormatInt(n, 10)+"\n")
	return err
}
