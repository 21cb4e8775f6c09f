package socks

// ReplyToString maps SOCKS5 reply codes to the messages logged when a
// request is refused; the wire carries the raw codes.
var ReplyToString = map[byte]string{
	Succeeded:               "succeeded",
	GeneralFailure:          "general SOCKS server failure",
	ConnectionRefused:       "connection refused",
	CommandNotSupported:     "command not supported",
	AddressTypeNotSupported: "address type not supported",
}
