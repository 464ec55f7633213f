package internal

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEventWireNames(t *testing.T) {
	for _, kind := range []EventKind{EventInboundData, EventBroadcastData, EventConfirmation} {
		parsed, err := ParseEventKind(kind.String())
		if err != nil {
			t.Fatal(err)
		}

		if parsed != kind {
			t.Errorf("%v parsed as %v", kind, parsed)
		}
	}

	if _, err := ParseEventKind("connect"); !errors.Is(err, ErrUnknownEvent) {
		t.Error("connect must not be accepted from the wire")
	}
}

func TestEventPayloadUnchanged(t *testing.T) {
	raw := []byte(`{"event":"send_data","data":{"message":"hello","n":[1,2.5,null],"nested":{"a":true}}}`)

	event := Event{}
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatal(err)
	}

	if event.Kind != EventInboundData {
		t.Fatalf("unexpected kind %v", event.Kind)
	}

	want := `{"message":"hello","n":[1,2.5,null],"nested":{"a":true}}`
	if string(event.Data) != want {
		t.Errorf("payload changed: %s", event.Data)
	}

	event.Kind = EventBroadcastData
	b, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != `{"event":"broadcast_data","data":`+want+`}` {
		t.Errorf("unexpected frame %s", b)
	}
}

func TestEventRejectsTransportKinds(t *testing.T) {
	if _, err := json.Marshal(Event{Kind: EventConnect}); err == nil {
		t.Error("connect should not be framed")
	}

	event := Event{}
	if err := json.Unmarshal([]byte(`{"event":"nope"}`), &event); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestConnectionEnqueue(t *testing.T) {
	c := NewConnection("a", 1)

	if !c.Enqueue([]byte("1")) {
		t.Fatal("first enqueue failed")
	}

	if c.Enqueue([]byte("2")) {
		t.Error("enqueue into full queue succeeded")
	}

	<-c.Outbound()

	if !c.shut() {
		t.Error("first shut should report true")
	}

	if c.shut() {
		t.Error("second shut should report false")
	}

	if c.Enqueue([]byte("3")) {
		t.Error("enqueue after shut succeeded")
	}

	if c.State() != StateClosing {
		t.Errorf("unexpected state %v", c.State())
	}
}
