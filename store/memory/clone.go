package memory

import "github.com/careloop/postbox/store"

// Records handed out by the store are deep copies so callers can never alias
// internal state.

func cloneContacts(in []store.Contact) []store.Contact {
	if in == nil {
		return nil
	}
	out := make([]store.Contact, len(in))
	copy(out, in)
	return out
}

func cloneAccount(a *store.Account) *store.Account {
	c := *a
	c.Contacts = cloneContacts(a.Contacts)
	return &c
}

func cloneMessage(m *store.Message) *store.Message {
	c := *m
	c.To = cloneContacts(m.To)
	c.CC = cloneContacts(m.CC)
	c.BCC = cloneContacts(m.BCC)
	return &c
}

func cloneSlot(sl *store.Slot) *store.Slot {
	c := *sl
	c.Flags = append([]string(nil), sl.Flags...)
	return &c
}
