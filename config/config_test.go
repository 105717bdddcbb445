package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recordingListener struct {
	events []ChangeEvent
}

func (l *recordingListener) Process(e ChangeEvent) { l.events = append(l.events, e) }

func TestInMemoryPublishDelete(t *testing.T) {
	c := NewInMemoryConfiguration()
	l := &recordingListener{}
	key := "svc.Demo" + ConfiguratorsSuffix

	if err := c.AddListener(key, l); err != nil {
		t.Fatal(err)
	}
	c.AddListener(key, l) // duplicate registration is a no-op

	c.Publish(key, "v1")
	c.Publish(key, "v2")
	c.Delete(key)

	want := []ChangeEvent{
		{Key: key, Type: EventAdded, Value: "v1"},
		{Key: key, Type: EventModified, Value: "v2"},
		{Key: key, Type: EventDeleted},
	}
	if diff := cmp.Diff(want, l.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	if err := c.RemoveListener(key, l); err != nil {
		t.Fatal(err)
	}
	c.Publish(key, "v3")
	if len(l.events) != len(want) {
		t.Fatal("removed listener still notified")
	}
}

func TestGetRule(t *testing.T) {
	c := NewInMemoryConfiguration()
	c.Publish("k", "raw")
	got, err := c.GetRule("k", DefaultGroup)
	if err != nil || got != "raw" {
		t.Fatalf("rule = %q err = %v", got, err)
	}
	got, _ = c.GetRule("absent", DefaultGroup)
	if got != "" {
		t.Fatalf("absent rule = %q", got)
	}
}
