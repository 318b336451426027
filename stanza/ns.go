package stanza

// XML namespaces used by the client. The stream-level ones are consumed by
// the transport during negotiation, the rest by stanza payloads.
const (
	NSClient  = "jabber:client"
	NSStream  = "http://etherx.jabber.org/streams"
	NSTLS     = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind    = "urn:ietf:params:xml:ns:xmpp-bind"
	NSFraming = "urn:ietf:params:xml:ns:xmpp-framing"
	NSStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"

	NSRoster = "jabber:iq:roster"

	NSPubSub      = "http://jabber.org/protocol/pubsub"
	NSPubSubEvent = "http://jabber.org/protocol/pubsub#event"

	NSAvatarMetadata = "urn:xmpp:avatar:metadata"
	NSAvatarData     = "urn:xmpp:avatar:data"
	NSVCardUpdate    = "vcard-temp:x:update"

	NSPing  = "urn:xmpp:ping"
	NSDelay = "urn:xmpp:delay"
)
