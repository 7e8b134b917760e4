// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package model

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMessageAccessors(t *testing.T) {
	msg := Message{
		"action": ActionClaimTarget,
		"mode":   ModeMulti,
		"roomId": "r2",
	}
	if got := msg.Action(); got != ActionClaimTarget {
		t.Errorf("Action() = %q, want %q", got, ActionClaimTarget)
	}
	if got := msg.Mode(); got != ModeMulti {
		t.Errorf("Mode() = %q, want %q", got, ModeMulti)
	}
	if got := msg.RoomID(); got != "r2" {
		t.Errorf("RoomID() = %q, want r2", got)
	}

	// Wrong-typed and absent fields read as empty.
	odd := Message{"action": 42}
	if got := odd.Action(); got != "" {
		t.Errorf("Action() on non-string = %q, want empty", got)
	}
}

func TestMessageData(t *testing.T) {
	// Data survives both in-process construction and a wire round trip,
	// where nested objects decode as plain maps.
	direct := Message{"data": Message{"module": "braille40"}}
	if got := direct.Data().Str("module"); got != "braille40" {
		t.Errorf("direct Data() = %q, want braille40", got)
	}

	raw := []byte(`{"action":"init","data":{"module":"braille40"}}`)
	var decoded Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if got := decoded.Data().Str("module"); got != "braille40" {
		t.Errorf("decoded Data() = %q, want braille40", got)
	}

	if got := (Message{}).Data(); got != nil {
		t.Errorf("Data() without payload = %v, want nil", got)
	}
}

func TestMessageKeyDefaultsTrue(t *testing.T) {
	withKey := Message{"key": "k-17"}
	if got := withKey.Key(); got != "k-17" {
		t.Errorf("Key() = %v, want k-17", got)
	}
	if got := (Message{}).Key(); got != true {
		t.Errorf("Key() without key = %v, want true", got)
	}
}

func TestErrorMessage(t *testing.T) {
	got := ErrorMessage("wrong password")
	want := Message{"action": ActionError, "reason": "wrong password"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ErrorMessage() = %v, want %v", got, want)
	}
}
