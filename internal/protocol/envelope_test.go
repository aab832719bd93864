package protocol

import (
	"testing"
)

func TestParse_JoinRoom(t *testing.T) {
	raw := []byte(`{"type":"join-room","roomId":"x","userName":"Alice"}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Type != TypeJoinRoom || env.RoomID != "x" || env.UserName != "Alice" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
}

func TestParse_JoinRoomMissingUserName(t *testing.T) {
	raw := []byte(`{"type":"join-room","roomId":"x"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"leave-room","bogus":true}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParse_RejectsTrailingData(t *testing.T) {
	raw := []byte(`{"type":"leave-room"}{"type":"leave-room"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParse_RejectsUnknownType(t *testing.T) {
	raw := []byte(`{"type":"renegotiate"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParse_OfferOutbound(t *testing.T) {
	raw := []byte(`{"type":"offer","targetUserId":"u2","offer":{"type":"offer","sdp":"v=0"}}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.TargetUserID != "u2" || env.Offer == nil || env.Offer.SDP != "v=0" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
}

func TestParse_OfferInbound(t *testing.T) {
	raw := []byte(`{"type":"offer","userId":"u1","offer":{"type":"offer","sdp":"v=0"}}`)
	if _, err := Parse(raw); err != nil {
		t.Fatalf("parse: %v", err)
	}
}

func TestParse_OfferRejectsAnswerSDPType(t *testing.T) {
	raw := []byte(`{"type":"offer","targetUserId":"u2","offer":{"type":"answer","sdp":"v=0"}}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParse_OfferRequiresAddressing(t *testing.T) {
	raw := []byte(`{"type":"offer","offer":{"type":"offer","sdp":"v=0"}}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParse_AnswerRequiresPayload(t *testing.T) {
	raw := []byte(`{"type":"answer","targetUserId":"u1"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParse_ICECandidate(t *testing.T) {
	raw := []byte(`{
		"type":"ice-candidate",
		"targetUserId":"u2",
		"candidate":{
			"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		}
	}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Candidate == nil || env.Candidate.Candidate == "" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	if env.Candidate.SDPMid == nil || *env.Candidate.SDPMid != "0" {
		t.Fatalf("sdpMid not preserved: %#v", env.Candidate)
	}
}

func TestParse_RoomJoined(t *testing.T) {
	raw := []byte(`{
		"type":"room-joined",
		"roomId":"x","userId":"u2","userName":"Bob",
		"users":[{"userId":"u1","userName":"Alice"}]
	}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(env.Users) != 1 || env.Users[0].UserID != "u1" {
		t.Fatalf("unexpected users: %#v", env.Users)
	}
}

func TestEncodeParse_RoundTrip(t *testing.T) {
	env := Envelope{
		Type:         TypeAnswer,
		TargetUserID: "u1",
		Answer:       &SDP{Type: "answer", SDP: "v=0"},
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != TypeAnswer || got.Answer == nil || got.Answer.SDP != "v=0" {
		t.Fatalf("round trip mismatch: %#v", got)
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope("room is full")
	if err := env.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if env.Message != "room is full" {
		t.Fatalf("unexpected message: %q", env.Message)
	}
}

func TestSDP_ToPionRejectsUnknownType(t *testing.T) {
	if _, err := (SDP{Type: "pranswer", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected error")
	}
}
