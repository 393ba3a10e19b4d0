package twilio

import (
	"github.com/twilio/twilio-go/twiml"
)

// Param is a named <Stream> parameter.
type Param struct {
	Name  string
	Value string
}

// ConnectStream plays the greeting (when set) and then connects the call to
// the media stream at streamURL.
func ConnectStream(greetingURL, streamURL string, params ...Param) (string, error) {
	var verbs []twiml.Element
	if greetingURL != "" {
		verbs = append(verbs, &twiml.VoicePlay{Url: greetingURL})
	}
	inner := make([]twiml.Element, 0, len(params))
	for _, p := range params {
		inner = append(inner, &twiml.VoiceParameter{Name: p.Name, Value: p.Value})
	}
	verbs = append(verbs, &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: streamURL, InnerElements: inner},
		},
	})
	return twiml.Voice(verbs)
}

// DialNumber dials number, sending DTMF digits after answer when set.
func DialNumber(number, sendDigits string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceDial{
			InnerElements: []twiml.Element{
				&twiml.VoiceNumber{PhoneNumber: number, SendDigits: sendDigits},
			},
		},
	})
}

// Say speaks message with the given provider voice.
func Say(message, voice string) (string, error) {
	return twiml.Voice([]twiml.Element{&twiml.VoiceSay{Message: message, Voice: voice}})
}
