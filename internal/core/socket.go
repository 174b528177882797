package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTCPPort     = 9100
	defaultDialTimeout = 10 * time.Second

	// Universal Exit Language, framing a PJL job around the document bytes.
	pjlUEL = "\x1b%-12345X"
)

// SocketDispatcher streams the file to a raw TCP printer (AppSocket/JetDirect),
// one connection per job.
type SocketDispatcher struct {
	address     string
	dialTimeout time.Duration
	logger      *zap.Logger
}

func NewSocketDispatcher(address string, dialTimeout time.Duration, logger *zap.Logger) *SocketDispatcher {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(defaultTCPPort))
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketDispatcher{address: address, dialTimeout: dialTimeout, logger: logger}
}

func (d *SocketDispatcher) Address() string {
	return d.address
}

func (d *SocketDispatcher) Dispatch(ctx context.Context, h Handle, copies int) (Ack, error) {
	if copies < 1 {
		return Ack{}, ErrInvalidCopies
	}

	f, err := os.Open(h.Path)
	if err != nil {
		return Ack{}, NewDispatchError(DispatchFileUnreadable, "cannot read the file to print", err)
	}
	defer f.Close()

	start := time.Now()
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.address)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Ack{}, NewDispatchError(DispatchTimeout, "printer did not answer in time", err)
		}
		return Ack{}, NewDispatchError(DispatchPrinterUnreachable,
			fmt.Sprintf("printer at %s is unreachable", d.address), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	header := fmt.Sprintf("%s@PJL JOB\r\n@PJL SET COPIES=%d\r\n", pjlUEL, copies)
	if _, err := io.WriteString(conn, header); err != nil {
		return Ack{}, d.writeError(err)
	}
	n, err := io.Copy(conn, f)
	if err != nil {
		return Ack{}, d.writeError(err)
	}
	if _, err := io.WriteString(conn, pjlUEL+"@PJL EOJ\r\n"+pjlUEL); err != nil {
		return Ack{}, d.writeError(err)
	}

	elapsed := time.Since(start)
	d.logger.Debug("job streamed to printer",
		zap.String("address", d.address),
		zap.Int64("bytes", n),
		zap.Int("copies", copies),
		zap.Duration("duration", elapsed),
	)

	return Ack{
		Output:   fmt.Sprintf("sent %d bytes to %s", n, d.address),
		Duration: elapsed,
	}, nil
}

func (d *SocketDispatcher) writeError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewDispatchError(DispatchTimeout, "printer did not accept the job in time", err)
	}
	return NewDispatchError(DispatchFailed, fmt.Sprintf("sending job to %s failed", d.address), err)
}
