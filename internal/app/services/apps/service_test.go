package apps

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unitool-ai/unitool/internal/app/domain/app"
	"github.com/unitool-ai/unitool/internal/app/domain/function"
	"github.com/unitool-ai/unitool/internal/app/schema"
	"github.com/unitool-ai/unitool/internal/app/security"
	"github.com/unitool-ai/unitool/internal/app/storage/memory"
	"github.com/unitool-ai/unitool/pkg/logger"
)

func boolPtr(b bool) *bool { return &b }

func newService() (*Service, *memory.Store) {
	store := memory.New()
	return New(store, store, logger.NewNop()), store
}

func validApp() app.App {
	return app.App{
		Name:    "WEATHER",
		Enabled: true,
		SecuritySchemes: map[security.SchemeKind]json.RawMessage{
			security.SchemeAPIKey: json.RawMessage(`{"location":"header","name":"X-Api-Key"}`),
		},
	}
}

func validFunction() function.Definition {
	return function.Definition{
		Name:     "WEATHER__FORECAST",
		Enabled:  true,
		Protocol: function.ProtocolREST,
		Rest:     function.RestMetadata{Method: "GET", ServerURL: "https://api.example.com", Path: "/forecast"},
	}
}

func TestRegister(t *testing.T) {
	svc, _ := newService()

	created, err := svc.Register(context.Background(), validApp())
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := svc.GetByName(context.Background(), "WEATHER")
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, app.App{})
	require.Error(t, err)

	_, err = svc.Register(ctx, app.App{Name: "NOSCHEMES"})
	require.Error(t, err)

	bad := validApp()
	bad.SecuritySchemes[security.SchemeAPIKey] = json.RawMessage(`{"location":"header"}`)
	_, err = svc.Register(ctx, bad)
	require.Error(t, err)
}

func TestRegisterRejectsDefaultsForUnconfiguredScheme(t *testing.T) {
	svc, _ := newService()

	a := validApp()
	a.DefaultCredentials = map[security.SchemeKind]json.RawMessage{
		security.SchemeHTTPBasic: json.RawMessage(`{"username":"u","password":"p"}`),
	}
	_, err := svc.Register(context.Background(), a)
	require.Error(t, err)
}

func TestRegisterRejectsMalformedDefaults(t *testing.T) {
	svc, _ := newService()

	a := validApp()
	a.DefaultCredentials = map[security.SchemeKind]json.RawMessage{
		security.SchemeAPIKey: json.RawMessage(`{"username":"wrong-shape"}`),
	}
	_, err := svc.Register(context.Background(), a)
	require.ErrorIs(t, err, security.ErrSchemeCredentialMismatch)
}

func TestSetDefaultCredentials(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, validApp())
	require.NoError(t, err)

	updated, err := svc.SetDefaultCredentials(ctx, "WEATHER", security.SchemeAPIKey,
		json.RawMessage(`{"secret_key":"shared"}`))
	require.NoError(t, err)
	require.Contains(t, updated.DefaultCredentials, security.SchemeAPIKey)

	_, err = svc.SetDefaultCredentials(ctx, "WEATHER", security.SchemeOAuth2,
		json.RawMessage(`{"access_token":"at"}`))
	require.Error(t, err)
}

func TestImportFunctionsUpsert(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, validApp())
	require.NoError(t, err)

	imported, err := svc.ImportFunctions(ctx, "WEATHER", []function.Definition{validFunction()})
	require.NoError(t, err)
	require.Len(t, imported, 1)
	firstID := imported[0].ID

	// Re-import updates in place instead of duplicating.
	updated := validFunction()
	updated.Description = "hourly forecast"
	imported, err = svc.ImportFunctions(ctx, "WEATHER", []function.Definition{updated})
	require.NoError(t, err)
	require.Equal(t, firstID, imported[0].ID)
	require.Equal(t, "hourly forecast", imported[0].Description)

	listed, err := svc.ListFunctions(ctx, "WEATHER")
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestImportFunctionsNamePrefix(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, validApp())
	require.NoError(t, err)

	def := validFunction()
	def.Name = "OTHERAPP__FORECAST"
	_, err = svc.ImportFunctions(ctx, "WEATHER", []function.Definition{def})
	require.Error(t, err)
}

func TestImportFunctionsCrossAppConflict(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, validApp())
	require.NoError(t, err)
	_, err = svc.ImportFunctions(ctx, "WEATHER", []function.Definition{validFunction()})
	require.NoError(t, err)

	// A second app whose prefix collides cannot steal the function name.
	other := validApp()
	other.Name = "Weather"
	_, err = svc.Register(ctx, other)
	require.NoError(t, err)

	_, err = svc.ImportFunctions(ctx, "Weather", []function.Definition{validFunction()})
	require.ErrorContains(t, err, "another app")
}

func TestImportFunctionsRejectsBadMetadata(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, validApp())
	require.NoError(t, err)

	noMethod := validFunction()
	noMethod.Rest.Method = ""
	_, err = svc.ImportFunctions(ctx, "WEATHER", []function.Definition{noMethod})
	require.Error(t, err)

	badProtocol := validFunction()
	badProtocol.Protocol = "grpc"
	_, err = svc.ImportFunctions(ctx, "WEATHER", []function.Definition{badProtocol})
	require.Error(t, err)
}

func TestImportFunctionsValidatesSchema(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, validApp())
	require.NoError(t, err)

	def := validFunction()
	def.Parameters = &schema.Object{
		Type: "object",
		Properties: map[string]*schema.Object{
			"query": {
				Type: "object",
				Properties: map[string]*schema.Object{
					"key": {Type: "string", Visible: boolPtr(false)},
				},
				Required: []string{"key"},
			},
		},
	}
	_, err = svc.ImportFunctions(ctx, "WEATHER", []function.Definition{def})
	require.Error(t, err)
}

func TestUpdatePreservesUnsetFields(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	created, err := svc.Register(ctx, validApp())
	require.NoError(t, err)

	updated, err := svc.Update(ctx, app.App{ID: created.ID, Description: "weather data", Enabled: true})
	require.NoError(t, err)
	require.Equal(t, "WEATHER", updated.Name)
	require.Equal(t, "weather data", updated.Description)
	require.Contains(t, updated.SecuritySchemes, security.SchemeAPIKey)
}
