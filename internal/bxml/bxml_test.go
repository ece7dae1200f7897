package bxml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldRendersSpeakAndPause(t *testing.T) {
	out, err := Hold("We're finding the other party").Render()
	require.NoError(t, err)

	assert.Contains(t, out, `<?xml version="1.0" encoding="UTF-8"?>`)
	assert.Contains(t, out, "<SpeakSentence>We&#39;re finding the other party</SpeakSentence>")
	assert.Contains(t, out, `<Pause duration="120"></Pause>`)
}

func TestHoldWithoutSentence(t *testing.T) {
	out, err := Hold("").Render()
	require.NoError(t, err)

	assert.NotContains(t, out, "SpeakSentence")
	assert.Contains(t, out, `<Pause duration="120"></Pause>`)
}

func TestBridgeVerb(t *testing.T) {
	r := &Response{}
	r.Add(SpeakSentence{Sentence: "The call will start now"})
	r.Add(Bridge{
		CallID:                  "c-1234",
		BridgeTargetCompleteURL: "https://example.com/endBridgeLeg",
	})

	out, err := r.Render()
	require.NoError(t, err)

	assert.Contains(t, out, `<Bridge bridgeTargetCompleteUrl="https://example.com/endBridgeLeg">c-1234</Bridge>`)
	assert.NotContains(t, out, "bridgeCompleteUrl")
}

func TestEmptyResponse(t *testing.T) {
	out, err := Empty().Render()
	require.NoError(t, err)
	assert.Contains(t, out, "<Response></Response>")
}
