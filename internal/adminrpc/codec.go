package adminrpc

import (
	"bufio"
	"io"
	"net/rpc"

	"github.com/vmihailenco/msgpack/v5"
)

// msgpackServerCodec streams net/rpc Request/Response headers and
// bodies over msgpack instead of the standard library's gob codec,
// shaped after net/rpc's own gobServerCodec.
type msgpackServerCodec struct {
	rwc    io.ReadWriteCloser
	dec    *msgpack.Decoder
	enc    *msgpack.Encoder
	encBuf *bufio.Writer
	closed bool
}

func newServerCodec(conn io.ReadWriteCloser) rpc.ServerCodec {
	buf := bufio.NewWriter(conn)
	return &msgpackServerCodec{
		rwc:    conn,
		dec:    msgpack.NewDecoder(conn),
		enc:    msgpack.NewEncoder(buf),
		encBuf: buf,
	}
}

func (c *msgpackServerCodec) ReadRequestHeader(r *rpc.Request) error {
	return c.dec.Decode(r)
}

func (c *msgpackServerCodec) ReadRequestBody(body interface{}) error {
	return c.dec.Decode(body)
}

func (c *msgpackServerCodec) WriteResponse(r *rpc.Response, body interface{}) error {
	if err := c.enc.Encode(r); err != nil {
		c.encBuf.Flush()
		return err
	}
	if err := c.enc.Encode(body); err != nil {
		c.encBuf.Flush()
		return err
	}
	return c.encBuf.Flush()
}

func (c *msgpackServerCodec) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}

// msgpackClientCodec is the client-side counterpart.
type msgpackClientCodec struct {
	rwc    io.ReadWriteCloser
	dec    *msgpack.Decoder
	enc    *msgpack.Encoder
	encBuf *bufio.Writer
	closed bool
}

func newClientCodec(conn io.ReadWriteCloser) rpc.ClientCodec {
	buf := bufio.NewWriter(conn)
	return &msgpackClientCodec{
		rwc:    conn,
		dec:    msgpack.NewDecoder(conn),
		enc:    msgpack.NewEncoder(buf),
		encBuf: buf,
	}
}

func (c *msgpackClientCodec) WriteRequest(r *rpc.Request, body interface{}) error {
	if err := c.enc.Encode(r); err != nil {
		c.encBuf.Flush()
		return err
	}
	if err := c.enc.Encode(body); err != nil {
		c.encBuf.Flush()
		return err
	}
	return c.encBuf.Flush()
}

func (c *msgpackClientCodec) ReadResponseHeader(r *rpc.Response) error {
	return c.dec.Decode(r)
}

func (c *msgpackClientCodec) ReadResponseBody(body interface{}) error {
	if body == nil {
		var discard interface{}
		return c.dec.Decode(&discard)
	}
	return c.dec.Decode(body)
}

func (c *msgpackClientCodec) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}
