package pgnotify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/markb/csrealtime/internal/transport"
)

// FunctionName is the trigger function installed by Install.
const FunctionName = "csrealtime_notify"

// maxPayload stays under the 8000 byte NOTIFY limit. Larger rows are
// announced with their id only.
const maxPayload = 7900

// Payload is the JSON body of a change notification.
type Payload struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Type            string         `json:"type"`
	CommitTimestamp string         `json:"commit_timestamp"`
	Record          map[string]any `json:"record,omitempty"`
	OldRecord       map[string]any `json:"old_record,omitempty"`
}

// DecodePayload parses a notification payload into a change.
func DecodePayload(raw string) (transport.Change, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return transport.Change{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Table == "" || p.Type == "" {
		return transport.Change{}, fmt.Errorf("payload without table or type")
	}
	schema := p.Schema
	if schema == "" {
		schema = transport.DefaultSchema
	}
	return transport.Change{
		Schema:          schema,
		Table:           p.Table,
		Type:            strings.ToUpper(p.Type),
		CommitTimestamp: p.CommitTimestamp,
		New:             p.Record,
		Old:             p.OldRecord,
	}, nil
}

// FunctionSQL returns the statement creating the trigger function that
// publishes row changes on prefix || table.
func FunctionSQL(prefix string) string {
	literal := "'" + strings.ReplaceAll(prefix, "'", "''") + "'"
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger
LANGUAGE plpgsql AS $fn$
DECLARE
	body jsonb;
BEGIN
	body := jsonb_build_object(
		'schema', TG_TABLE_SCHEMA,
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'commit_timestamp', to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE to_jsonb(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE to_jsonb(OLD) END
	);
	IF octet_length(body::text) > %[3]d THEN
		body := body
			|| jsonb_build_object('record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE jsonb_build_object('id', NEW.id) END)
			|| jsonb_build_object('old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE jsonb_build_object('id', OLD.id) END);
	END IF;
	PERFORM pg_notify(%[2]s || TG_TABLE_NAME, body::text);
	RETURN NULL;
END;
$fn$`, FunctionName, literal, maxPayload)
}

// TriggerSQL returns the statements (re)creating the notify trigger on
// schema.table.
func TriggerSQL(schema, table string) []string {
	if schema == "" {
		schema = transport.DefaultSchema
	}
	target := pgx.Identifier{schema, table}.Sanitize()
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", FunctionName, target),
		fmt.Sprintf("CREATE TRIGGER %[1]s AFTER INSERT OR UPDATE OR DELETE ON %[2]s FOR EACH ROW EXECUTE FUNCTION %[1]s()",
			FunctionName, target),
	}
}
