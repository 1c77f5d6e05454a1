// Package types holds what the client subcommands share.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fieldsync/internal/app/client"
	"fieldsync/internal/domain/record"
	"fieldsync/internal/domain/sync"
)

type contextKey string

const ClientAppKey contextKey = "app"

// Output selects how commands print results.
type Output struct {
	JSON bool
	YAML bool
}

const OutputKey contextKey = "output"

func App(cmd *cobra.Command) (*client.App, error) {
	app, ok := cmd.Context().Value(ClientAppKey).(*client.App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

func OutputOf(cmd *cobra.Command) Output {
	out, _ := cmd.Context().Value(OutputKey).(Output)
	return out
}

// Print writes v as JSON or YAML and reports whether it did. Callers fall
// back to their human readable format when it returns false.
func Print(cmd *cobra.Command, v any) (bool, error) {
	out := OutputOf(cmd)
	switch {
	case out.JSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case out.YAML:
		data, err := toYAML(v)
		if err != nil {
			return true, err
		}
		_, err = os.Stdout.Write(data)
		return true, err
	}
	return false, nil
}

// toYAML goes through JSON so that json tags and raw payloads are honored.
func toYAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return yaml.Marshal(generic)
}

func ParseType(s string) (record.EntityType, error) {
	t := record.EntityType(s)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

func ParseLocalID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid local id %q", s)
	}
	return id, nil
}

// TypeAndID parses the common <type> <local-id> arguments.
func TypeAndID(args []string) (record.EntityType, int64, error) {
	t, err := ParseType(args[0])
	if err != nil {
		return "", 0, err
	}
	id, err := ParseLocalID(args[1])
	if err != nil {
		return "", 0, err
	}
	return t, id, nil
}

// ReadPayload returns the inline payload or the contents of file.
func ReadPayload(inline, file string) (json.RawMessage, error) {
	switch {
	case inline != "" && file != "":
		return nil, errors.New("use either --payload or --file")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		inline = string(data)
	case inline == "":
		return nil, errors.New("payload is required")
	}

	if !json.Valid([]byte(inline)) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", record.ErrInvalidPayload)
	}
	return json.RawMessage(inline), nil
}

// PrintOutcomes prints one colored line per send attempt.
func PrintOutcomes(outcomes []sync.Outcome) {
	for _, o := range outcomes {
		line := fmt.Sprintf("%s #%d %s %s", o.Type, o.LocalID, o.Op, o.Status)
		if o.Err != nil {
			line += ": " + o.Err.Error()
		}
		switch o.Status {
		case sync.OutcomeSaved, sync.OutcomeDeleted:
			color.Green("%s", line)
		case sync.OutcomeRequeued, sync.OutcomeStale, sync.OutcomeSkipped:
			color.Yellow("%s", line)
		default:
			color.Red("%s", line)
		}
	}
}
