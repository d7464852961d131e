package insight

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"insights-engine/internal/model"
)

// Cursor is the (timestamp, id) keyset position of the last event on a page.
type Cursor struct {
	TS any
	ID any
}

type cursorWire struct {
	TS     string `json:"t"`
	TSKind string `json:"tk"`
	ID     string `json:"i"`
	IDKind string `json:"ik"`
}

func encodeValue(v any) (string, string, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), "time", nil
	case *time.Time:
		if val == nil {
			return "", "", fmt.Errorf("cursor value is null")
		}
		return encodeValue(*val)
	case int:
		return strconv.FormatInt(int64(val), 10), "int", nil
	case int32:
		return strconv.FormatInt(int64(val), 10), "int", nil
	case int64:
		return strconv.FormatInt(val, 10), "int", nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), "uint", nil
	case uint64:
		return strconv.FormatUint(val, 10), "uint", nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), "float", nil
	case string:
		return val, "string", nil
	case []byte:
		return string(val), "string", nil
	case uuid.UUID:
		return val.String(), "string", nil
	case [16]byte:
		return uuid.UUID(val).String(), "string", nil
	default:
		return "", "", fmt.Errorf("unsupported cursor value of type %T", v)
	}
}

func decodeValue(s, kind string) (any, error) {
	switch kind {
	case "time":
		return time.Parse(time.RFC3339Nano, s)
	case "int":
		return strconv.ParseInt(s, 10, 64)
	case "uint":
		return strconv.ParseUint(s, 10, 64)
	case "float":
		return strconv.ParseFloat(s, 64)
	case "string":
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cursor kind %q", kind)
	}
}

// Encode returns the opaque cursor token.
func (c Cursor) Encode() (string, error) {
	ts, tsKind, err := encodeValue(c.TS)
	if err != nil {
		return "", err
	}
	id, idKind, err := encodeValue(c.ID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(cursorWire{TS: ts, TSKind: tsKind, ID: id, IDKind: idKind})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a cursor token. An empty token means the first page.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, model.NewValidationError("invalid cursor")
	}
	var w cursorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, model.NewValidationError("invalid cursor")
	}
	ts, err := decodeValue(w.TS, w.TSKind)
	if err != nil {
		return nil, model.NewValidationError("invalid cursor timestamp")
	}
	id, err := decodeValue(w.ID, w.IDKind)
	if err != nil {
		return nil, model.NewValidationError("invalid cursor id")
	}
	return &Cursor{TS: ts, ID: id}, nil
}

func cursorFromRow(row model.Row) (Cursor, error) {
	ts, ok := row[eventTSColumn]
	if !ok || ts == nil {
		return Cursor{}, fmt.Errorf("event row has no %s", eventTSColumn)
	}
	id, ok := row[eventIDColumn]
	if !ok || id == nil {
		return Cursor{}, fmt.Errorf("event row has no %s", eventIDColumn)
	}
	return Cursor{TS: ts, ID: id}, nil
}

// ReadEvents fetches one page of raw events.
func ReadEvents(ctx context.Context, exec Executor, b Builder, req Request, token string, limit int) (model.EventPage, error) {
	after, err := DecodeCursor(token)
	if err != nil {
		return model.EventPage{}, err
	}
	stmt, err := b.BuildEvents(req, after, limit)
	if err != nil {
		return model.EventPage{}, err
	}
	rows, err := exec.Execute(ctx, stmt)
	if err != nil {
		return model.EventPage{}, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	page := model.EventPage{Items: make([]model.InsightEvent, 0, len(rows))}
	for _, row := range rows {
		ev, err := b.Event(row)
		if err != nil {
			return model.EventPage{}, fmt.Errorf("decode %s event: %w", b.Name(), err)
		}
		page.Items = append(page.Items, ev)
	}

	if hasMore && len(rows) > 0 {
		c, err := cursorFromRow(rows[len(rows)-1])
		if err != nil {
			return model.EventPage{}, err
		}
		if page.NextCursor, err = c.Encode(); err != nil {
			return model.EventPage{}, fmt.Errorf("encode cursor: %w", err)
		}
	}
	return page, nil
}

func eventBase(row model.Row) (id string, createdAt time.Time) {
	id = fmt.Sprint(row[eventIDColumn])
	switch ts := row[eventTSColumn].(type) {
	case time.Time:
		createdAt = ts
	case int64:
		createdAt = time.UnixMilli(ts).UTC()
	case string:
		createdAt, _ = time.Parse("2006-01-02 15:04:05", ts)
	}
	return id, createdAt
}

func properties(row model.Row, skip ...string) map[string]any {
	props := make(map[string]any, len(row))
	for k, v := range row {
		props[k] = v
	}
	delete(props, eventTSColumn)
	delete(props, eventIDColumn)
	for _, k := range skip {
		delete(props, k)
	}
	return props
}
