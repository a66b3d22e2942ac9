// Package client owns the single HTTP session to the TouchLine controller
// and classifies its failures. The controller is an embedded device reached
// only over a trusted local network; transport verification is deliberately
// relaxed and there is no authentication to speak of.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/touchline-bridge/internal/protocol"
)

const (
	readPath  = "/cgi-bin/ILRReadValues.cgi"
	writePath = "/cgi-bin/writeVal.cgi"

	xmlClient        = "IMaster6_02_00"
	xmlClientVersion = "6.02.0006"
)

// zoneFields is the positional read order the rest of the system depends on.
var zoneFields = []string{
	protocol.FieldCurrentTemp,
	protocol.FieldTargetTemp,
	protocol.FieldMode,
	protocol.FieldWeekProgram,
	protocol.FieldDemand,
}

type ErrorKind string

const (
	KindTimeout            ErrorKind = "timeout"
	KindNetworkUnreachable ErrorKind = "network_unreachable"
	KindProtocolError      ErrorKind = "protocol_error"
)

// Error is a classified controller communication failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind from a wrapped client error.
func KindOf(err error) (ErrorKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Client talks to one controller over one reusable HTTP session.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New builds a client for the controller at host. timeout bounds every
// individual call.
func New(host string, timeout time.Duration) *Client {
	return &Client{
		baseURL: "http://" + host,
		timeout: timeout,
		http: &http.Client{
			Transport: &http.Transport{
				// Trusted LAN only. The controller has no real certs.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				MaxIdleConns:    1,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// ReadZone reads the positional raw fields for one device index. The demand
// field is optional on older firmware, so the result has four or five values.
func (c *Client) ReadZone(ctx context.Context, deviceIndex int) ([]int64, error) {
	const op = "read_zone"

	var names strings.Builder
	for _, f := range zoneFields {
		fmt.Fprintf(&names, "<n>G%d.%s</n>", deviceIndex, f)
	}

	values, err := c.readItems(ctx, op, "<i>"+names.String()+"</i>")
	if err != nil {
		return nil, err
	}
	if len(values) < len(zoneFields) {
		return nil, &Error{Kind: KindProtocolError, Op: op,
			Err: fmt.Errorf("expected %d values, got %d", len(zoneFields), len(values))}
	}

	raw := make([]int64, 0, len(zoneFields))
	for i, v := range values[:len(zoneFields)] {
		if v == "NA" || v == "" {
			// Demand is the only field some firmware omits.
			if zoneFields[i] == protocol.FieldDemand {
				continue
			}
			return nil, &Error{Kind: KindProtocolError, Op: op,
				Err: fmt.Errorf("field %s reported %q", zoneFields[i], v)}
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &Error{Kind: KindProtocolError, Op: op,
				Err: fmt.Errorf("field %s: non-numeric value %q", zoneFields[i], v)}
		}
		raw = append(raw, n)
	}
	return raw, nil
}

// WriteValue writes one encoded raw value to a device field. A 2xx response
// only means the controller accepted the request; callers confirm with a
// follow-up read before trusting it.
func (c *Client) WriteValue(ctx context.Context, deviceIndex int, field string, raw int64) error {
	const op = "write_value"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := fmt.Sprintf("G%d.%s=%d", deviceIndex, field, raw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+writePath, strings.NewReader(form))
	if err != nil {
		return &Error{Kind: KindProtocolError, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: KindProtocolError, Op: op,
			Err: fmt.Errorf("controller returned status %d", resp.StatusCode)}
	}

	log.Debug().Int("device", deviceIndex).Str("field", field).Int64("raw", raw).
		Msg("Write accepted by controller")
	return nil
}

// ReadDeviceCount asks the controller how many devices it manages. Used as a
// startup sanity check against the configured zone table.
func (c *Client) ReadDeviceCount(ctx context.Context) (int, error) {
	const op = "read_device_count"

	values, err := c.readItems(ctx, op, "<i><n>totalNumberOfDevices</n></i>")
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, &Error{Kind: KindProtocolError, Op: op, Err: errors.New("empty item list")}
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, &Error{Kind: KindProtocolError, Op: op,
			Err: fmt.Errorf("non-numeric device count %q", values[0])}
	}
	return n, nil
}

// ReadSystemStatus reads the controller's own status word, an opaque string.
func (c *Client) ReadSystemStatus(ctx context.Context) (string, error) {
	const op = "read_system_status"

	values, err := c.readItems(ctx, op, "<i><n>R0.SystemStatus</n></i>")
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", &Error{Kind: KindProtocolError, Op: op, Err: errors.New("empty item list")}
	}
	return values[0], nil
}

// readItems posts one read request and returns the response values in wire
// order.
func (c *Client) readItems(ctx context.Context, op, items string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := requestBody(items)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+readPath, strings.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindProtocolError, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &Error{Kind: KindProtocolError, Op: op,
			Err: fmt.Errorf("controller returned status %d", resp.StatusCode)}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(payload) == 0 {
		return nil, &Error{Kind: KindProtocolError, Op: op, Err: errors.New("empty response body")}
	}

	values, err := parseItemValues(payload)
	if err != nil {
		return nil, &Error{Kind: KindProtocolError, Op: op, Err: err}
	}
	return values, nil
}

// requestBody wraps an item list in the envelope the controller expects. The
// client/version strings mimic the vendor software; the firmware rejects
// bodies without them.
func requestBody(items string) string {
	var b strings.Builder
	b.WriteString("<body>")
	b.WriteString("<version>1.0</version>")
	b.WriteString("<client>" + xmlClient + "</client>")
	b.WriteString("<client_ver>" + xmlClientVersion + "</client_ver>")
	b.WriteString("<file_name>room</file_name>")
	b.WriteString("<item_list_size>0</item_list_size>")
	b.WriteString("<item_list>")
	b.WriteString(items)
	b.WriteString("</item_list>")
	b.WriteString("</body>")
	return b.String()
}

// classify maps a transport error onto the taxonomy callers branch on.
func classify(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindNetworkUnreachable, Op: op, Err: err}
}
