package client

import (
	v1 "ripple/pkg/wire/v1"
)

// subscription binds a caller-chosen key to a topic and a delivery callback.
//
// active is false once the session disconnects: the entry stays in the map
// (so WithResubscribe can replay it) but delivery to a stale handle is
// impossible.
type subscription struct {
	key     string
	topic   v1.Topic
	deliver func(env v1.Envelope)
	active  bool
}

// registry holds at most one subscription per topic key. It is owned by one
// Session and only ever touched under the Session mutex.
type registry struct {
	subs map[string]*subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*subscription)}
}

// put replaces any prior entry under key and returns it so the caller can
// cancel it on the wire first.
func (r *registry) put(sub *subscription) (prior *subscription) {
	prior = r.subs[sub.key]
	r.subs[sub.key] = sub
	return prior
}

func (r *registry) remove(key string) *subscription {
	sub := r.subs[key]
	delete(r.subs, key)
	return sub
}

func (r *registry) clear() {
	r.subs = make(map[string]*subscription)
}

// invalidate marks every entry inactive without removing it.
func (r *registry) invalidate() {
	for _, sub := range r.subs {
		sub.active = false
	}
}

// forTopic returns the active subscriptions matching a topic path.
func (r *registry) forTopic(path string) []*subscription {
	var out []*subscription
	for _, sub := range r.subs {
		if sub.active && sub.topic.String() == path {
			out = append(out, sub)
		}
	}
	return out
}

// all returns every entry (active or not), for resubscription replay.
func (r *registry) all() []*subscription {
	out := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

func (r *registry) len() int { return len(r.subs) }
