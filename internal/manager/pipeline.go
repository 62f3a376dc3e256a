package manager

import (
	"grimm.is/bastion/internal/firewall"
	"grimm.is/bastion/internal/ids"
)

// Disposition is the outcome of running one packet through the pipeline.
type Disposition struct {
	// Admitted reports whether the packet may proceed to the upstream stack.
	Admitted bool

	// Verdict is the firewall decision, zero when the firewall is disabled.
	Verdict firewall.Verdict

	// Intrusion is the detection event, nil for clean packets.
	Intrusion *ids.Event

	// Payload is the delivered payload: the decrypted plaintext for
	// tunnel-bound packets, the original payload otherwise. Nil when the
	// packet was dropped.
	Payload []byte

	// Reason names the dropping stage for denied packets.
	Reason string
}

// ProcessPacket runs the firewall, detection, and tunnel decrypt stages in
// order. tunnelID is empty for packets that are not tunnel-bound. The
// pipeline admits or drops; it never blocks on upstream I/O.
func (m *Manager) ProcessPacket(pkt *firewall.Packet, tunnelID string) Disposition {
	d := Disposition{Admitted: true, Payload: pkt.Payload}

	if m.firewall != nil {
		d.Verdict = m.firewall.Evaluate(pkt)
		if d.Verdict.Action == firewall.ActionDeny {
			d.Admitted = false
			d.Payload = nil
			d.Reason = "firewall"
			return d
		}
	}

	if m.ids != nil {
		if ev := m.ids.Inspect(pkt); ev != nil {
			d.Intrusion = ev
			resp, _ := ids.ParseResponse(ev.Response)
			switch resp {
			case ids.ResponseTerminate, ids.ResponseBlockSource, ids.ResponseBlockDestination:
				d.Admitted = false
				d.Payload = nil
				d.Reason = "ids"
				return d
			}
		}
	}

	if tunnelID != "" && m.vpn != nil {
		plaintext, err := m.vpn.Decrypt(tunnelID, pkt.Payload)
		if err != nil {
			d.Admitted = false
			d.Payload = nil
			d.Reason = "vpn"
			return d
		}
		d.Payload = plaintext
	}

	return d
}
