// Package pubsub implements the broker half of the router: per-realm
// managed topics and the subscribe/publish/terminate operations over them.
//
// Nothing in this package locks. A Registry and the Broker using it belong
// to the routing loop and must only be touched from it.
package pubsub

import (
	"sort"

	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// Image is the last published value of a topic. Each half is tracked on
// its own; a nil half has never been published.
type Image struct {
	Args   wamp.List
	Kwargs wamp.Dict
}

// ManagedTopic is one (realm, topic) pair. Its subscription id is fixed at
// creation and shared by every subscriber, so a single encoded EVENT serves
// all of them.
type ManagedTopic struct {
	realm          string
	name           string
	subscriptionID wamp.ID
	subscribers    map[session.Ref]struct{}
	image          Image
	publications   uint64
}

func newManagedTopic(realm, name string, id wamp.ID) *ManagedTopic {
	return &ManagedTopic{
		realm:          realm,
		name:           name,
		subscriptionID: id,
		subscribers:    make(map[session.Ref]struct{}),
	}
}

func (t *ManagedTopic) Realm() string           { return t.realm }
func (t *ManagedTopic) Name() string            { return t.name }
func (t *ManagedTopic) SubscriptionID() wamp.ID { return t.subscriptionID }

// Publications is how many times the topic has been published to.
func (t *ManagedTopic) Publications() uint64 { return t.publications }

// Image returns the cached image.
func (t *ManagedTopic) Image() Image { return t.image }

// add reports whether ref was not yet subscribed.
func (t *ManagedTopic) add(ref session.Ref) bool {
	if _, ok := t.subscribers[ref]; ok {
		return false
	}
	t.subscribers[ref] = struct{}{}
	return true
}

func (t *ManagedTopic) remove(ref session.Ref) bool {
	if _, ok := t.subscribers[ref]; !ok {
		return false
	}
	delete(t.subscribers, ref)
	return true
}

// HasSubscriber reports whether ref is subscribed.
func (t *ManagedTopic) HasSubscriber(ref session.Ref) bool {
	_, ok := t.subscribers[ref]
	return ok
}

// Len is the number of subscribers.
func (t *ManagedTopic) Len() int { return len(t.subscribers) }

// Subscribers returns a snapshot of the subscriber set.
func (t *ManagedTopic) Subscribers() []session.Ref {
	refs := make([]session.Ref, 0, len(t.subscribers))
	for ref := range t.subscribers {
		refs = append(refs, ref)
	}
	return refs
}

// update replaces the supplied halves of the image.
func (t *ManagedTopic) update(args wamp.List, kwargs wamp.Dict) {
	if args != nil {
		t.image.Args = args
	}
	if kwargs != nil {
		t.image.Kwargs = kwargs
	}
	t.publications++
}

type realmTopics struct {
	byName map[string]*ManagedTopic
	byID   map[wamp.ID]*ManagedTopic
}

// Registry maps (realm, topic) to managed topics. Topics are created on
// first use and never removed.
type Registry struct {
	realms map[string]*realmTopics
	ids    wamp.Sequence
}

// NewRegistry returns an empty registry. Subscription ids start at 1 and
// are shared by all realms.
func NewRegistry() *Registry {
	return &Registry{realms: make(map[string]*realmTopics)}
}

// FindOrCreate returns the topic, creating the realm and topic entries as
// needed. A malformed topic URI yields a *wamp.Error with ErrInvalidURI.
func (r *Registry) FindOrCreate(realm, topic string) (*ManagedTopic, error) {
	if t, ok := r.Find(realm, topic); ok {
		return t, nil
	}
	if !wamp.ValidURI(topic) {
		return nil, wamp.NewError(wamp.ErrInvalidURI, "invalid topic URI: "+topic)
	}
	rt, ok := r.realms[realm]
	if !ok {
		rt = &realmTopics{
			byName: make(map[string]*ManagedTopic),
			byID:   make(map[wamp.ID]*ManagedTopic),
		}
		r.realms[realm] = rt
	}
	t := newManagedTopic(realm, topic, r.ids.Next())
	rt.byName[topic] = t
	rt.byID[t.subscriptionID] = t
	return t, nil
}

// Find looks a topic up without creating it.
func (r *Registry) Find(realm, topic string) (*ManagedTopic, bool) {
	rt, ok := r.realms[realm]
	if !ok {
		return nil, false
	}
	t, ok := rt.byName[topic]
	return t, ok
}

// FindByID looks a topic up by its subscription id within a realm.
func (r *Registry) FindByID(realm string, id wamp.ID) (*ManagedTopic, bool) {
	rt, ok := r.realms[realm]
	if !ok {
		return nil, false
	}
	t, ok := rt.byID[id]
	return t, ok
}

// Realms lists the realms that have at least one topic, sorted.
func (r *Registry) Realms() []string {
	names := make([]string, 0, len(r.realms))
	for name := range r.realms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Topics lists the topics of a realm ordered by subscription id.
func (r *Registry) Topics(realm string) []*ManagedTopic {
	rt, ok := r.realms[realm]
	if !ok {
		return nil
	}
	topics := make([]*ManagedTopic, 0, len(rt.byName))
	for _, t := range rt.byName {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].subscriptionID < topics[j].subscriptionID })
	return topics
}

// each visits every topic of every realm.
func (r *Registry) each(fn func(*ManagedTopic)) {
	for _, rt := range r.realms {
		for _, t := range rt.byName {
			fn(t)
		}
	}
}

// Len is the total number of topics across realms.
func (r *Registry) Len() int {
	n := 0
	for _, rt := range r.realms {
		n += len(rt.byName)
	}
	return n
}
