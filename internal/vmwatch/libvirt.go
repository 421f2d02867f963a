package vmwatch

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/kylape/fact/internal/model"
)

// ConnManager owns a single libvirt RPC connection and its reconnect flow.
type ConnManager struct {
	mu        sync.RWMutex
	client    *golibvirt.Libvirt
	uri       string
	logger    *slog.Logger
	retryWait time.Duration
	maxJitter time.Duration
	randSrc   *rand.Rand
}

func NewConnManager(uri string, retryWait, maxJitter time.Duration, logger *slog.Logger) *ConnManager {
	if retryWait <= 0 {
		retryWait = 3 * time.Second
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	return &ConnManager{
		uri:       uri,
		logger:    logger,
		retryWait: retryWait,
		maxJitter: maxJitter,
		randSrc:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *ConnManager) Client(ctx context.Context) (*golibvirt.Libvirt, error) {
	m.mu.RLock()
	c := m.client
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}
	return m.client, nil
}

func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect()
	m.client = nil
	return err
}

func (m *ConnManager) connectLocked(ctx context.Context) error {
	if m.client != nil {
		if _, err := m.client.Version(); err == nil {
			return nil
		}
		_ = m.client.Disconnect()
		m.client = nil
	}

	uri, err := m.parseURI()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c, dialErr := golibvirt.ConnectToURI(uri)
		if dialErr == nil {
			m.client = c
			m.logger.Info("libvirt connected", "uri", uri.Redacted())
			return nil
		}

		wait := m.retryWait + m.jitter()
		m.logger.Error("libvirt connect failed", "uri", uri.Redacted(), "error", dialErr, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *ConnManager) parseURI() (*url.URL, error) {
	raw := m.uri
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	return uri, nil
}

func (m *ConnManager) jitter() time.Duration {
	if m.maxJitter == 0 {
		return 0
	}
	return time.Duration(m.randSrc.Int63n(int64(m.maxJitter)))
}

// LibvirtLister discovers local KVM guests and their vsock context ids from
// the domain definitions.
type LibvirtLister struct {
	conn   *ConnManager
	logger *slog.Logger
}

func NewLibvirtLister(conn *ConnManager, logger *slog.Logger) *LibvirtLister {
	return &LibvirtLister{conn: conn, logger: logger}
}

func (l *LibvirtLister) ListVirtualMachines(ctx context.Context) ([]model.Descriptor, error) {
	client, err := l.conn.Client(ctx)
	if err != nil {
		return nil, err
	}

	doms, _, err := client.ConnectListAllDomains(1, golibvirt.ConnectListDomainsActive)
	if err != nil {
		return nil, fmt.Errorf("ConnectListAllDomains: %w", err)
	}

	out := make([]model.Descriptor, 0, len(doms))
	for _, dom := range doms {
		xmlDesc, err := client.DomainGetXMLDesc(dom, 0)
		if err != nil {
			l.logger.Warn("read domain xml failed, skipping", "domain", dom.Name, "error", err)
			continue
		}
		cid, err := vsockCIDFromDomainXML(xmlDesc)
		if err != nil {
			l.logger.Debug("domain has no vsock device", "domain", dom.Name, "error", err)
			continue
		}
		out = append(out, model.Descriptor{
			Name:      strings.TrimSpace(dom.Name),
			UID:       uuidToString(dom.UUID),
			ContextID: cid,
		})
	}
	return out, nil
}

type domainVsockXML struct {
	Devices struct {
		Vsock struct {
			CID struct {
				Address uint32 `xml:"address,attr"`
			} `xml:"cid"`
		} `xml:"vsock"`
	} `xml:"devices"`
}

func vsockCIDFromDomainXML(desc string) (uint32, error) {
	var d domainVsockXML
	if err := xml.Unmarshal([]byte(desc), &d); err != nil {
		return 0, fmt.Errorf("unmarshal domain xml: %w", err)
	}
	if d.Devices.Vsock.CID.Address == 0 {
		return 0, fmt.Errorf("no vsock cid in domain definition")
	}
	return d.Devices.Vsock.CID.Address, nil
}

func uuidToString(u golibvirt.UUID) string {
	b := u[:]
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
