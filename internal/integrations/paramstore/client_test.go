package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI implements ssmAPI and records the last input.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func valueOutput(v string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(v), Type: types.ParameterTypeSecureString,
	}}
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestGetParameter_ResolvesNames(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		in     string
		want   string
	}{
		{name: "relative under prefix", prefix: "/ordinal-bus/prod/", in: "telegram-bot-token", want: "/ordinal-bus/prod/telegram-bot-token"},
		{name: "absolute ignores prefix", prefix: "/ordinal-bus/prod", in: "/shared/token", want: "/shared/token"},
		{name: "no prefix", in: "token", want: "token"},
		{name: "trimmed", prefix: "/p", in: "  token  ", want: "/p/token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{getOut: valueOutput(`{"token":"v"}`)}
			client, err := New(api, WithPrefix(tt.prefix))
			require.NoError(t, err)

			v, err := client.GetParameter(context.Background(), tt.in)
			require.NoError(t, err)
			require.Equal(t, `{"token":"v"}`, v)
			require.Equal(t, tt.want, *api.lastIn.Name)
			require.True(t, *api.lastIn.WithDecryption)
		})
	}
}

func TestGetParameter_Failures(t *testing.T) {
	tests := []struct {
		name string
		api  *fakeAPI
		in   string
		want string
	}{
		{name: "missing value", api: &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}}, in: "p", want: "missing value"},
		{name: "nil output", api: &fakeAPI{}, in: "p", want: "missing value"},
		{name: "api error", api: &fakeAPI{getErr: errors.New("boom")}, in: "p", want: "boom"},
		{name: "empty name", api: &fakeAPI{}, in: "  ", want: "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.api)
			require.NoError(t, err)
			_, err = client.GetParameter(context.Background(), tt.in)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestJoin(t *testing.T) {
	require.Equal(t, "/ordinal-bus/bot-token", Join("/ordinal-bus/", "bot-token"))
	require.Equal(t, "/ordinal-bus/bot-token", Join(" /ordinal-bus", "/bot-token "))
}

func TestSecret_ThroughClient(t *testing.T) {
	api := &fakeAPI{getOut: valueOutput(`{"token":"bot-123"}`)}
	client, err := New(api, WithPrefix("/ordinal-bus"))
	require.NoError(t, err)
	secret, err := NewSecret(client, "telegram-bot-token")
	require.NoError(t, err)

	v, err := secret.Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "bot-123", v)
	require.Equal(t, "/ordinal-bus/telegram-bot-token", *api.lastIn.Name)
}
