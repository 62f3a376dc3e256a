package bootverify

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"grimm.is/bastion/internal/crypto"
	"grimm.is/bastion/internal/events"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
)

// ImageReader loads the staged bytes of a boot image so the verifier can
// recompute its content hash. The default reads from the filesystem; tests
// and preloaded environments supply their own.
type ImageReader interface {
	ReadImage(info ImageInfo) ([]byte, error)
}

// FileImageReader reads staged images from their declared location.
type FileImageReader struct{}

// ReadImage reads the image bytes at info.Location.
func (FileImageReader) ReadImage(info ImageInfo) ([]byte, error) {
	data, err := os.ReadFile(info.Location)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", info.Location, err)
	}
	return data, nil
}

// Verifier validates an ordered boot chain against a trust anchor.
// It is single-threaded and boot-time only; VerifyChain runs to exactly
// one terminal outcome and is never re-entered.
type Verifier struct {
	cfg      Config
	provider crypto.Provider
	reader   ImageReader
	recorder *Recorder
	hub      *events.Hub
	logger   *logging.Logger

	elements []*ChainElement
	byName   map[string]*ChainElement
	children map[string]string // parent name -> child name, to reject branches

	done   bool
	result Result
}

// NewVerifier creates a Verifier. The recorder and hub may be nil when
// measured boot or event emission is disabled.
func NewVerifier(cfg Config, provider crypto.Provider, reader ImageReader, recorder *Recorder, hub *events.Hub, logger *logging.Logger) *Verifier {
	if reader == nil {
		reader = FileImageReader{}
	}
	if logger == nil {
		logger = logging.WithComponent("bootverify")
	}
	return &Verifier{
		cfg:      cfg,
		provider: provider,
		reader:   reader,
		recorder: recorder,
		hub:      hub,
		logger:   logger,
		byName:   make(map[string]*ChainElement),
		children: make(map[string]string),
	}
}

// AddElement appends a stage to the chain. Elements must arrive in boot
// order: the first element is the root (no parent), every later element
// names the stage that vouches for it, and no stage may have two children.
func (v *Verifier) AddElement(el *ChainElement) error {
	if v.done {
		return fmt.Errorf("add element %q: %w: chain already verified", el.Name, ErrChainBroken)
	}
	if el.Name == "" {
		return fmt.Errorf("%w: element has no name", ErrChainBroken)
	}
	if _, exists := v.byName[el.Name]; exists {
		return fmt.Errorf("%w: duplicate element %q", ErrChainBroken, el.Name)
	}

	if len(v.elements) == 0 {
		if el.Parent != "" {
			return fmt.Errorf("%w: root element %q names parent %q", ErrChainBroken, el.Name, el.Parent)
		}
	} else {
		if el.Parent == "" {
			return fmt.Errorf("%w: element %q has no parent", ErrChainBroken, el.Name)
		}
		if _, ok := v.byName[el.Parent]; !ok {
			return fmt.Errorf("%w: element %q names unknown parent %q", ErrChainBroken, el.Name, el.Parent)
		}
		if child, taken := v.children[el.Parent]; taken {
			// Branching boot paths are not supported; the chain is linear.
			return fmt.Errorf("%w: parent %q already has child %q", ErrChainBroken, el.Parent, child)
		}
		if el.Parent != v.elements[len(v.elements)-1].Name {
			return fmt.Errorf("%w: element %q out of order, parent %q is not the previous stage", ErrChainBroken, el.Name, el.Parent)
		}
		v.children[el.Parent] = el.Name
	}

	v.elements = append(v.elements, el)
	v.byName[el.Name] = el
	return nil
}

// Elements returns the chain in boot order.
func (v *Verifier) Elements() []*ChainElement {
	return v.elements
}

// VerifyChain processes elements strictly in order and yields exactly one
// terminal outcome. A failed element stops the chain; elements whose parent
// is unverified are never attempted. There is no retry.
func (v *Verifier) VerifyChain() Result {
	if v.done {
		return v.result
	}
	v.done = true

	var anomalies []string

	for _, el := range v.elements {
		if v.cfg.VerifyChain && el.Parent != "" {
			parent := v.byName[el.Parent]
			if parent == nil || !parent.verified {
				v.result = v.fail(el, fmt.Errorf("%w: parent %q unverified", ErrChainBroken, el.Parent))
				return v.result
			}
		}

		if v.cfg.VerifyImages {
			if err := v.verifyImage(el); err != nil {
				v.result = v.fail(el, err)
				return v.result
			}
		}

		if found := v.metadataAnomalies(el); len(found) > 0 {
			if v.cfg.StrictMode {
				v.result = v.fail(el, fmt.Errorf("%w: %s", ErrIntegrityViolation, found[0]))
				return v.result
			}
			for _, a := range found {
				v.logger.Warn("boot metadata anomaly", "stage", el.Name, "anomaly", a)
			}
			anomalies = append(anomalies, found...)
		}

		el.verified = true
		v.logger.Info("boot stage verified", "stage", el.Name, "type", el.Type.String())
		metrics.Get().BootStagesVerified.WithLabelValues(el.Type.String()).Inc()
		if v.hub != nil {
			v.hub.EmitBootStage(true, el.Name, el.Type.String(), fmt.Sprintf("%x", el.Image.Hash), "")
		}
		if v.recorder != nil {
			v.recorder.Extend(el)
		}
	}

	v.result = Result{OK: true, Anomalies: anomalies}
	if v.recorder != nil {
		if _, err := v.recorder.Seal(); err != nil {
			v.logger.Error("attestation report sealing failed", "error", err)
		}
	}
	return v.result
}

// Result returns the terminal outcome after VerifyChain has run.
func (v *Verifier) Result() (Result, bool) {
	return v.result, v.done
}

// verifyImage recomputes the content hash and checks the stage signature.
func (v *Verifier) verifyImage(el *ChainElement) error {
	data, err := v.reader.ReadImage(el.Image)
	if err != nil {
		return fmt.Errorf("%w: stage %q: %v", ErrIntegrityViolation, el.Name, err)
	}

	computed := v.provider.Hash(data)
	if !bytes.Equal(computed[:], el.Image.Hash[:]) {
		return fmt.Errorf("%w: stage %q hash mismatch", ErrIntegrityViolation, el.Name)
	}

	key := v.signingKeyFor(el)
	if len(key) == 0 {
		return fmt.Errorf("%w: stage %q: no trust anchor configured", ErrSignatureInvalid, el.Name)
	}
	if !v.provider.Verify(el.Image.Hash[:], el.Image.Signature, key) {
		return fmt.Errorf("%w: stage %q", ErrSignatureInvalid, el.Name)
	}
	return nil
}

// signingKeyFor returns the parent-delegated key when the parent vouches for
// this stage, otherwise the trust anchor.
func (v *Verifier) signingKeyFor(el *ChainElement) ed25519.PublicKey {
	if el.Parent != "" {
		if parent := v.byName[el.Parent]; parent != nil && len(parent.NextStageKey) > 0 {
			return parent.NextStageKey
		}
	}
	return v.cfg.TrustAnchor
}

// metadataAnomalies reports non-integrity findings: absent version or
// architecture, missing build timestamp, declared size disagreeing with the
// staged image. Fatal only in strict mode.
func (v *Verifier) metadataAnomalies(el *ChainElement) []string {
	var found []string
	if el.Image.Version == "" {
		found = append(found, fmt.Sprintf("stage %q has no version", el.Name))
	}
	if el.Image.Arch == "" {
		found = append(found, fmt.Sprintf("stage %q has no target architecture", el.Name))
	}
	if el.Image.BuildTimestamp.IsZero() {
		found = append(found, fmt.Sprintf("stage %q has no build timestamp", el.Name))
	}
	return found
}

func (v *Verifier) fail(el *ChainElement, err error) Result {
	v.logger.Error("boot chain verification failed", "stage", el.Name, "error", err)
	metrics.Get().BootFailures.WithLabelValues(el.Name, reasonLabel(err)).Inc()
	if v.hub != nil {
		v.hub.EmitBootStage(false, el.Name, el.Type.String(), "", err.Error())
	}
	if v.recorder != nil {
		// The report is produced after the chain completes, success or not.
		v.recorder.RecordFailure(el.Name, err)
		if _, serr := v.recorder.Seal(); serr != nil {
			v.logger.Error("attestation report sealing failed", "error", serr)
		}
	}
	return Result{OK: false, FailedStage: el.Name, Err: err}
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrChainBroken):
		return "chain_broken"
	default:
		return "other"
	}
}
