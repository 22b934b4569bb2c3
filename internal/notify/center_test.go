package notify

import (
	"reflect"
	"testing"
)

func TestCenter_Publish(t *testing.T) {
	c := NewCenter()

	var order []string
	c.Subscribe(KindTargetAdded, func(ev Event) {
		order = append(order, "kind:"+ev.(TargetAdded).Filename)
	})
	c.SubscribeAll(func(ev Event) {
		order = append(order, "all:"+string(ev.Kind()))
	})

	c.Publish(TargetAdded{Filename: "a"})
	c.Publish(TargetRemoved{Filename: "a"})

	want := []string{"kind:a", "all:target-added", "all:target-removed"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("delivery order = %v, want %v", order, want)
	}
}

func TestCenter_NilDropsEvents(t *testing.T) {
	var c *Center
	c.Publish(DownloadFinished{Filename: "x"})
}
