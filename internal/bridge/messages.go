package bridge

import "encoding/json"

// signalType enumerates the control-channel JSON envelope's message kinds,
// split the same way spec.md's own wire messages are split: browser→server
// signaling and input, server→browser relayed callback events.
type signalType string

const (
	// Browser -> server.
	signalOffer     signalType = "offer"
	signalCandidate signalType = "candidate"

	// Server -> browser.
	signalAnswer     signalType = "answer"
	signalICE        signalType = "ice_candidate"
	signalRumble     signalType = "rumble"
	signalStatus     signalType = "status"
	signalTerminated signalType = "terminated"
	signalError      signalType = "error"
)

type envelope struct {
	Type    signalType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type sdpPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate string `json:"candidate"`
}

type rumblePayload struct {
	ControllerNumber uint16 `json:"controller_number"`
	LowFreq          uint16 `json:"low_freq"`
	HighFreq         uint16 `json:"high_freq"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type terminatedPayload struct {
	Code int `json:"code"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func marshal(t signalType, v interface{}) []byte {
	payload, _ := json.Marshal(v)
	data, _ := json.Marshal(envelope{Type: t, Payload: payload})
	return data
}

// inputEvent is the JSON shape carried over the unordered "input" data
// channel. Kind selects which fields are meaningful and which Input
// Pipeline method the bridge dispatches to.
type inputEvent struct {
	Kind string `json:"kind"`

	// mouse_move
	DeltaX int16 `json:"dx,omitempty"`
	DeltaY int16 `json:"dy,omitempty"`

	// mouse_pos
	X      int16 `json:"x,omitempty"`
	Y      int16 `json:"y,omitempty"`
	Width  int16 `json:"width,omitempty"`
	Height int16 `json:"height,omitempty"`

	// mouse_button
	Action uint8 `json:"action,omitempty"`
	Button int   `json:"button,omitempty"`

	// keyboard
	KeyCode   int16 `json:"key_code,omitempty"`
	KeyAction uint8 `json:"key_action,omitempty"`
	Modifiers uint8 `json:"modifiers,omitempty"`
	Flags     uint8 `json:"flags,omitempty"`

	// controller / multi_controller
	ControllerNumber  int16 `json:"controller_number,omitempty"`
	ActiveGamepadMask int16 `json:"active_gamepad_mask,omitempty"`
	ButtonFlags       int   `json:"button_flags,omitempty"`
	LeftTrigger       uint8 `json:"left_trigger,omitempty"`
	RightTrigger      uint8 `json:"right_trigger,omitempty"`
	LeftStickX        int16 `json:"left_stick_x,omitempty"`
	LeftStickY        int16 `json:"left_stick_y,omitempty"`
	RightStickX       int16 `json:"right_stick_x,omitempty"`
	RightStickY       int16 `json:"right_stick_y,omitempty"`

	// scroll / hscroll
	Amount int16 `json:"amount,omitempty"`
}
