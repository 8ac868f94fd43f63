package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_Authenticate(t *testing.T) {
	raw := `{"schema":"1.0","timestamp":1700000000000,"action":"authenticate","token":"secret"}`

	frame, err := Decode([]byte(raw))
	require.NoError(t, err)

	auth, ok := frame.(*Authenticate)
	require.True(t, ok)
	require.Equal(t, "secret", auth.Token)
	require.Equal(t, ActionAuthenticate, auth.FrameAction())
}

func TestDecode_ChatResponseWithErrorCode(t *testing.T) {
	raw := `{"schema":"1.0","timestamp":1700000000000,"action":"chat-response",` +
		`"requestId":"req-1","response":"","error":"session gone","errorCode":"SESSION_EXPIRED"}`

	frame, err := Decode([]byte(raw))
	require.NoError(t, err)

	resp, ok := frame.(*ChatResponse)
	require.True(t, ok)
	require.Equal(t, "req-1", resp.RequestID)
	require.Equal(t, CodeSessionExpired, resp.ErrorCode)
}

func TestDecode_RejectsUnknownAction(t *testing.T) {
	raw := `{"schema":"1.0","timestamp":1,"action":"self-destruct"}`

	_, err := Decode([]byte(raw))
	require.ErrorContains(t, err, "unknown frame action")
}

func TestDecode_RejectsWrongSchema(t *testing.T) {
	raw := `{"schema":"2.0","timestamp":1,"action":"authenticate","token":"x"}`

	_, err := Decode([]byte(raw))
	require.ErrorContains(t, err, "unsupported frame schema")
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"schema":`))
	require.Error(t, err)
}

func TestSendPrompt_RoundTrip(t *testing.T) {
	temp := 0.4
	out := SendPrompt{
		Header:    NewHeader(ActionSendPrompt),
		RequestID: "req-2",
		Chatbot:   "gemini",
		Prompt:    "hello",
		Options:   &PromptOptions{Temperature: &temp, Model: "gemini-2.5-flash"},
	}

	data, err := json.Marshal(&out)
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)

	in, ok := frame.(*SendPrompt)
	require.True(t, ok)
	require.Equal(t, "req-2", in.RequestID)
	require.Equal(t, "gemini", in.Chatbot)
	require.NotNil(t, in.Options)
	require.Equal(t, "gemini-2.5-flash", in.Options.Model)
	require.NotNil(t, in.Options.Temperature)
	require.InDelta(t, 0.4, *in.Options.Temperature, 1e-9)
}

func TestAgentErrorMessage(t *testing.T) {
	require.Contains(t, AgentErrorMessage(CodeLoginRequired), "not logged in")
	require.Contains(t, AgentErrorMessage(CodeSessionExpired), "expired")

	// Unrecognized codes fall back to the UNKNOWN translation.
	require.Equal(t, AgentErrorMessage(CodeUnknown), AgentErrorMessage("NO_SUCH_CODE"))
}
