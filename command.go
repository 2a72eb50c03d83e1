package orconn

import "fmt"

// Command represents a cell packet command byte.
type Command byte

// Enumerate all possible cell commands.
//
// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L418-L438
//
//	   The 'Command' field of a fixed-length cell holds one of the following
//	   values:
//	         0 -- PADDING     (Padding)                 (See Sec 7.2)
//	         1 -- CREATE      (Create a circuit)        (See Sec 5.1)
//	         2 -- CREATED     (Acknowledge create)      (See Sec 5.1)
//	         3 -- RELAY       (End-to-end data)         (See Sec 5.5 and 6)
//	         4 -- DESTROY     (Stop using a circuit)    (See Sec 5.4)
//	         5 -- CREATE_FAST (Create a circuit, no PK) (See Sec 5.1)
//	         6 -- CREATED_FAST (Circuit created, no PK) (See Sec 5.1)
//	         8 -- NETINFO     (Time and address info)   (See Sec 4.5)
//	         9 -- RELAY_EARLY (End-to-end data; limited)(See Sec 5.6)
//	         10 -- CREATE2    (Extended CREATE cell)    (See Sec 5.1)
//	         11 -- CREATED2   (Extended CREATED cell)    (See Sec 5.1)
//	
//	    Variable-length command values are:
//	         7 -- VERSIONS    (Negotiate proto version) (See Sec 4)
//	         128 -- VPADDING  (Variable-length padding) (See Sec 7.2)
//	         129 -- CERTS     (Certificates)            (See Sec 4.2)
//	         130 -- AUTH_CHALLENGE (Challenge value)    (See Sec 4.3)
//	         131 -- AUTHENTICATE (Client authentication)(See Sec 4.5)
//	         132 -- AUTHORIZE (Client authorization)    (Not yet used)
//
const (
	Padding       Command = 0
	Create        Command = 1
	Created       Command = 2
	Relay         Command = 3
	Destroy       Command = 4
	CreateFast    Command = 5
	CreatedFast   Command = 6
	Netinfo       Command = 8
	RelayEarly    Command = 9
	Create2       Command = 10
	Created2      Command = 11
	Versions      Command = 7
	Vpadding      Command = 128
	Certs         Command = 129
	AuthChallenge Command = 130
	Authenticate  Command = 131
	Authorize     Command = 132
)

var commandStrings = map[Command]string{
	Padding:       "PADDING",
	Create:        "CREATE",
	Created:       "CREATED",
	Relay:         "RELAY",
	Destroy:       "DESTROY",
	CreateFast:    "CREATE_FAST",
	CreatedFast:   "CREATED_FAST",
	Versions:      "VERSIONS",
	Netinfo:       "NETINFO",
	RelayEarly:    "RELAY_EARLY",
	Create2:       "CREATE2",
	Created2:      "CREATED2",
	Vpadding:      "VPADDING",
	Certs:         "CERTS",
	AuthChallenge: "AUTH_CHALLENGE",
	Authenticate:  "AUTHENTICATE",
	Authorize:     "AUTHORIZE",
}

func (c Command) String() string {
	s, ok := commandStrings[c]
	if ok {
		return s
	}
	return fmt.Sprintf("Command(%d)", byte(c))
}

// IsVariableLength reports whether cells carrying c are variable length on a
// connection speaking link protocol v. Version 0 means the protocol is not yet
// negotiated, in which case any variable-length command is accepted.
func (c Command) IsVariableLength(v LinkProtocolVersion) bool {
	// Reference: https://github.com/torproject/torspec/blob/4074b891e53e8df951fc596ac6758d74da290c60/tor-spec.txt#L433-L436
	//
	//	   On a version 2 connection, variable-length cells are indicated by a
	//	   command byte equal to 7 ("VERSIONS").  On a version 3 or
	//	   higher connection, variable-length cells are indicated by a command
	//	   byte equal to 7 ("VERSIONS"), or greater than or equal to 128.
	//
	switch v {
	case 1:
		return false
	case 2:
		return c == Versions
	default:
		return c == Versions || byte(c) >= 128
	}
}
