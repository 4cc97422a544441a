package amf

import "strings"

// Command is a decoded NetConnection/NetStream AMF0 command: a name,
// transaction id, command object, and any trailing positional arguments
// (stream name, publish type, and so on — these vary by command).
type Command struct {
	Name    string
	TransID float64
	CmdObj  *Value
	Extra   []*Value
}

// Arg returns the value named by key for the small set of fields the RTMP
// session handlers need out of a command: "cmdObj", "transId", and
// "streamName" (the first trailing string argument).
func (c *Command) Arg(key string) *Value {
	switch key {
	case "cmdObj":
		if c.CmdObj != nil {
			return c.CmdObj
		}
	case "transId":
		v := Number(c.TransID)
		return &v
	case "streamName":
		for _, e := range c.Extra {
			if e.amfType == TypeString {
				return e
			}
		}
	}
	undef := newValue(TypeUndefined)
	return &undef
}

// String renders the command for debug logging.
func (c *Command) String() string {
	parts := make([]string, 0, len(c.Extra)+1)
	parts = append(parts, c.Name)
	for _, e := range c.Extra {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, " ")
}

// DecodeCommand decodes an AMF0-encoded NetConnection/NetStream invoke:
// command name, transaction id, command object (object or null), and any
// remaining positional arguments.
func DecodeCommand(payload []byte) Command {
	s := NewDecodingStream(payload)

	var cmd Command

	if !s.IsEnded() {
		name := s.ReadOne()
		cmd.Name = name.GetString()
	}
	if !s.IsEnded() {
		transID := s.ReadOne()
		cmd.TransID = transID.numVal
	}
	if !s.IsEnded() {
		obj := s.ReadOne()
		if !obj.IsNull() && !obj.IsUndefined() {
			cmd.CmdObj = &obj
		}
	}
	for !s.IsEnded() {
		v := s.ReadOne()
		cmd.Extra = append(cmd.Extra, &v)
	}

	return cmd
}

// Data is a decoded AMF0 data message (e.g. @setDataFrame onMetaData).
type Data struct {
	Tag  string
	Args []*Value
}

// String renders the data message for debug logging.
func (d *Data) String() string {
	return d.Tag
}

// DecodeData decodes an AMF0 data message: a tag string followed by zero
// or more positional values.
func DecodeData(payload []byte) Data {
	s := NewDecodingStream(payload)

	var d Data
	if !s.IsEnded() {
		tag := s.ReadOne()
		d.Tag = tag.GetString()
	}
	for !s.IsEnded() {
		v := s.ReadOne()
		d.Args = append(d.Args, &v)
	}
	return d
}
