package whatsapp

// UserChatID converts a canonical (digits-only) phone into the transport's
// direct-chat identifier. Group identifiers are stored as-is and need no
// conversion.
func UserChatID(phone string) string {
	return phone + "@s.whatsapp.net"
}
