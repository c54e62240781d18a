package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"response.function_call_arguments.done","call_id":"c1","name":"trigger_event","arguments":"{\"eventId\":\"x\"}"}`))
	require.NoError(t, err)
	require.Equal(t, TypeFunctionCallArgumentsDone, ev.Type)
	require.Equal(t, "c1", ev.CallID)
	require.Equal(t, "trigger_event", ev.Name)

	_, err = Decode([]byte(`{"delta":"hi"}`))
	require.Error(t, err)
	_, err = Decode([]byte(`not json`))
	require.Error(t, err)

	require.True(t, IsTranscriptDelta(TypeOutputAudioTranscriptDelta))
	require.True(t, IsTranscriptDone(TypeAudioTranscriptDone))
	require.False(t, IsTranscriptDone(TypeResponseDone))
}

func TestClientMessages(t *testing.T) {
	data, err := json.Marshal(NewFunctionOutput("call_1", "ok"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"conversation.item.create","item":{"type":"function_call_output","call_id":"call_1","output":"ok"}}`, string(data))

	data, err = json.Marshal(NewSessionUpdate(SessionConfig{Instructions: "hi"}))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"session.update","session":{"instructions":"hi","tools":[]}}`, string(data))

	data, err = json.Marshal(NewUserText("hello"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"input_text"`)
}

func TestPipe(t *testing.T) {
	p := NewPipe()
	require.NoError(t, p.Send(NewResponseCreate()))
	require.JSONEq(t, `{"type":"response.create"}`, string(<-p.Sent()))

	require.NoError(t, p.Inject(map[string]string{"type": "session.created"}))
	require.JSONEq(t, `{"type":"session.created"}`, string(<-p.Messages()))

	boom := errors.New("boom")
	p.Fail(boom)
	<-p.Done()
	require.Equal(t, boom, p.Err())
	require.ErrorIs(t, p.Send(NewResponseCreate()), ErrClosed)
	require.ErrorIs(t, p.Inject("{}"), ErrClosed)
	_, ok := <-p.Messages()
	require.False(t, ok)
}

func TestWebSocketDialer(t *testing.T) {
	gotAuth := make(chan string, 1)
	gotModel := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		gotModel <- r.URL.Query().Get("model")
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := &WebSocketDialer{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Model:  "test-model",
		APIKey: "sk-test",
	}
	tr, err := d.Dial(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-test", <-gotAuth)
	require.Equal(t, "test-model", <-gotModel)

	require.NoError(t, tr.Send(NewResponseCreate()))
	select {
	case msg := <-tr.Messages():
		require.JSONEq(t, `{"type":"response.create"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}

	require.NoError(t, tr.Close())
	<-tr.Done()
	require.NoError(t, tr.Err())
	require.ErrorIs(t, tr.Send(NewResponseCreate()), ErrClosed)
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := &WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Timeout: time.Second}
	_, err := d.Dial(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestAcceptRelay(t *testing.T) {
	accepted := make(chan Transport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- tr
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	tr := <-accepted
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`)))
	require.JSONEq(t, `{"type":"response.done"}`, string(<-tr.Messages()))

	require.NoError(t, tr.Send(NewResponseCreate()))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"response.create"}`, string(data))
	require.NoError(t, tr.Close())
}
