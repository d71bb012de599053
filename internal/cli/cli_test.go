package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idempotency "github.com/AnandSundar/lambda-idempotency"
	"github.com/AnandSundar/lambda-idempotency/envelope"
	"github.com/AnandSundar/lambda-idempotency/store"
)

// execute runs the root command with args and returns stdout
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "idemctl", cmd.Use)

	for _, name := range []string{"key", "get", "delete", "purge"} {
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, subCmd.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, `{}`, "key", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestKeyCommand(t *testing.T) {
	event := `{"body":"{\"user\":\"u-1\",\"product_id\":\"p-9\"}","requestContext":{"requestId":"r-1"}}`

	cfg := idempotency.NewConfig(idempotency.WithEventKeyPath(envelope.APIGatewayREST), idempotency.WithFunctionName("payments"))
	want, err := idempotency.DeriveKey(cfg, []byte(event))
	require.NoError(t, err)

	out, err := execute(t, event, "key", "--path", envelope.APIGatewayREST, "--function-name", "payments")
	require.NoError(t, err)
	assert.Equal(t, want+"\n", out)

	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(event), 0o644))
	out, err = execute(t, "", "key", path, "-p", envelope.APIGatewayREST, "--function-name", "payments", "--format", "json")
	require.NoError(t, err)

	var res struct {
		Key  string          `json:"key"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, want, res.Key)
	assert.JSONEq(t, `{"user":"u-1","product_id":"p-9"}`, string(res.Data))
}

func TestKeyCommand_DefaultsFromEnvironment(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "idempotency.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("idempotency:\n  eventKeyPath: \"body|@powertools_json\"\n  functionName: from-file\n"), 0o644))
	t.Setenv("IDEMPOTENCY_CONFIG_FILE", cfgPath)
	t.Setenv("IDEMPOTENCY_FUNCTION_NAME", "payments")

	event := `{"body":"{\"user\":\"u-1\"}","requestContext":{"requestId":"r-1"}}`
	want, err := idempotency.DeriveKey(idempotency.NewConfig(
		idempotency.WithEventKeyPath(envelope.APIGatewayREST),
		idempotency.WithFunctionName("payments"),
	), []byte(event))
	require.NoError(t, err)

	out, err := execute(t, event, "key")
	require.NoError(t, err)
	assert.Equal(t, want+"\n", out)

	out, err = execute(t, event, "key", "--function-name", "other", "--path", "requestContext.requestId")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "other#"), out)
	assert.NotEqual(t, want+"\n", out)
}

func TestKeyCommand_BadConfigFile(t *testing.T) {
	t.Setenv("IDEMPOTENCY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := execute(t, `{}`, "key")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestKeyCommand_NoMatch(t *testing.T) {
	_, err := execute(t, `{"amount":1}`, "key", "--path", "order_id")
	assert.ErrorIs(t, err, idempotency.ErrExtraction)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRecordCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idempotency.db")
	ctx := context.Background()

	s, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.PutComplete(ctx, "payments#abc", []byte(`{"status":"ok"}`), time.Hour))
	require.NoError(t, s.PutComplete(ctx, "payments#old", []byte(`1`), -time.Minute))
	require.NoError(t, s.Close())

	storeFlags := []string{"--store", "sqlite", "--sqlite-path", dbPath}

	out, err := execute(t, "", append([]string{"get", "payments#abc"}, storeFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:     COMPLETED")
	assert.Contains(t, out, `Result:     {"status":"ok"}`)

	out, err = execute(t, "", append([]string{"get", "payments#abc", "--format", "json"}, storeFlags...)...)
	require.NoError(t, err)
	var record idempotency.Record
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	assert.Equal(t, idempotency.StatusCompleted, record.Status)

	out, err = execute(t, "", append([]string{"purge"}, storeFlags...)...)
	require.NoError(t, err)
	assert.Equal(t, "purged 1 records\n", out)

	out, err = execute(t, "", append([]string{"delete", "payments#abc"}, storeFlags...)...)
	require.NoError(t, err)
	assert.Equal(t, "deleted payments#abc\n", out)

	_, err = execute(t, "", append([]string{"get", "payments#abc"}, storeFlags...)...)
	assert.ErrorIs(t, err, idempotency.ErrRecordNotFound)
	assert.Equal(t, ExitNotFound, GetExitCode(err))
}

func TestPurgeCommand_Unsupported(t *testing.T) {
	_, err := execute(t, "", "purge", "--store", "memory")
	assert.ErrorContains(t, err, "expires records itself")
}

func TestUnknownStore(t *testing.T) {
	_, err := execute(t, "", "get", "k", "--store", "etcd")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
