package models

// Address identifies a conversation participant or group. It is the
// canonical serialized form used on the wire and in the database, so two
// addresses refer to the same participant iff they compare equal.
type Address string

func (a Address) String() string {
	return string(a)
}

func (a Address) IsEmpty() bool {
	return a == ""
}

// AddressFromSerialized restores an Address from its canonical string form.
func AddressFromSerialized(s string) Address {
	return Address(s)
}

// SyncMessageID identifies one logical outbound message across the
// sender's own devices and its recipients. Delivery and read receipts
// carry only the sent timestamp, so the (address, timestamp) pair is how
// a receipt is correlated back to a stored message.
type SyncMessageID struct {
	Address   Address `json:"address"`
	Timestamp int64   `json:"timestamp"`
}
