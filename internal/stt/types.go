package stt

import (
	"context"
	"errors"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Recognition error codes reported to the controller
const (
	CodeAudioCapture = "audio-capture" // microphone unavailable or busy
	CodeNetwork      = "network"       // Deepgram unreachable or the stream broke
	CodeNotAllowed   = "not-allowed"   // Deepgram rejected the credentials
)

var errConnectFailed = errors.New("deepgram websocket connect failed")

// liveStream is the part of the Deepgram live client a session drives
type liveStream interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finish()
}

// dialFunc creates an unconnected live stream that reports to callback
type dialFunc func(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, callback msginterfaces.LiveMessageCallback) (liveStream, error)

func dialDeepgram(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, callback msginterfaces.LiveMessageCallback) (liveStream, error) {
	// nil client options use the SDK defaults
	client, err := listenClient.NewWSUsingCallback(ctx, apiKey, nil, opts, callback)
	if err != nil {
		return nil, err
	}
	return client, nil
}
