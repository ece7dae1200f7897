// Package bxml renders the voice-instruction documents returned to the
// call-control provider from webhook handlers. Only the verbs this service
// emits are modeled.
package bxml

import "encoding/xml"

// HoldDuration is how long a leg is parked while the other leg is being
// established. The provider tears the call down when the document runs out,
// so this bounds how long an unbridged leg survives.
const HoldDuration = 120

// EndedPauseDuration keeps a call alive briefly after its bridge ends.
const EndedPauseDuration = 10

// Verb is a single instruction inside a Response document.
type Verb interface {
	verb()
}

// SpeakSentence speaks a sentence to the call.
type SpeakSentence struct {
	XMLName  xml.Name `xml:"SpeakSentence"`
	Sentence string   `xml:",chardata"`
}

func (SpeakSentence) verb() {}

// Pause holds the call silently for Duration seconds.
type Pause struct {
	XMLName  xml.Name `xml:"Pause"`
	Duration int      `xml:"duration,attr"`
}

func (Pause) verb() {}

// Bridge joins the current call with the call identified by CallID.
// The provider fires the complete callbacks when the bridge tears down,
// depending on which side of the bridge the document was returned to.
type Bridge struct {
	XMLName                 xml.Name `xml:"Bridge"`
	BridgeCompleteURL       string   `xml:"bridgeCompleteUrl,attr,omitempty"`
	BridgeTargetCompleteURL string   `xml:"bridgeTargetCompleteUrl,attr,omitempty"`
	CallID                  string   `xml:",chardata"`
}

func (Bridge) verb() {}

// Response is an ordered voice-instruction document.
type Response struct {
	verbs []Verb
}

// Add appends a verb to the document.
func (r *Response) Add(v Verb) *Response {
	r.verbs = append(r.verbs, v)
	return r
}

type responseDoc struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []Verb
}

// Render serializes the document with the XML prolog the provider expects.
func (r *Response) Render() (string, error) {
	out, err := xml.Marshal(responseDoc{Verbs: r.verbs})
	if err != nil {
		return "", err
	}
	return xml.Header + string(out), nil
}

// Hold builds the standard "park this leg" document: a spoken sentence
// followed by a long pause.
func Hold(sentence string) *Response {
	r := &Response{}
	if sentence != "" {
		r.Add(SpeakSentence{Sentence: sentence})
	}
	return r.Add(Pause{Duration: HoldDuration})
}

// Empty builds a document with no verbs, used as the neutral answer when a
// webhook cannot be correlated to a call.
func Empty() *Response {
	return &Response{}
}
