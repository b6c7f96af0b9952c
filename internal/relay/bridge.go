package relay

// Bridge carries frames to users connected to other relay nodes. Delivery is
// at-most-once; a nil Bridge keeps the relay single-node.
type Bridge interface {
	PublishUser(userID string, frame []byte) error
	PublishBroadcast(frame []byte) error
}
