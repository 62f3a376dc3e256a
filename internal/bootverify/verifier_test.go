package bootverify

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/crypto"
	"grimm.is/bastion/internal/events"
)

// memImageReader serves staged image bytes from memory, keyed by location.
type memImageReader map[string][]byte

func (m memImageReader) ReadImage(info ImageInfo) ([]byte, error) {
	data, ok := m[info.Location]
	if !ok {
		return nil, assert.AnError
	}
	return data, nil
}

type chainFixture struct {
	anchor   *crypto.SoftwareProvider
	provider *crypto.SoftwareProvider
	reader   memImageReader
	cfg      Config
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	anchor, err := crypto.NewSoftwareProviderFromSeed(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	provider, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	return &chainFixture{
		anchor:   anchor,
		provider: provider,
		reader:   memImageReader{},
		cfg: Config{
			VerifyImages: true,
			VerifyChain:  true,
			TrustAnchor:  anchor.PublicKey(),
		},
	}
}

// stage stores image bytes and returns an element whose hash and signature
// match them.
func (f *chainFixture) stage(t *testing.T, name string, ctype ComponentType, parent string, contents []byte) *ChainElement {
	t.Helper()
	f.reader[name] = contents
	hash := f.provider.Hash(contents)
	sig, err := f.anchor.Sign(hash[:])
	require.NoError(t, err)
	return &ChainElement{
		Name:   name,
		Type:   ctype,
		Parent: parent,
		Image: ImageInfo{
			Location:       name,
			Size:           int64(len(contents)),
			Hash:           hash,
			Signature:      sig,
			BuildTimestamp: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			Version:        "1.0.0",
			Arch:           "x86_64",
		},
	}
}

func (f *chainFixture) verifier(t *testing.T) *Verifier {
	t.Helper()
	return NewVerifier(f.cfg, f.provider, f.reader, nil, nil, nil)
}

func TestVerifyChain_Success(t *testing.T) {
	f := newChainFixture(t)
	v := f.verifier(t)

	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	bl := f.stage(t, "bootloader", ComponentBootloader, "firmware", []byte("bootloader image"))
	krn := f.stage(t, "kernel", ComponentKernel, "bootloader", []byte("kernel image"))

	require.NoError(t, v.AddElement(fw))
	require.NoError(t, v.AddElement(bl))
	require.NoError(t, v.AddElement(krn))

	res := v.VerifyChain()
	require.True(t, res.OK, "chain should verify: %v", res.Err)
	assert.True(t, fw.Verified())
	assert.True(t, bl.Verified())
	assert.True(t, krn.Verified())
}

func TestVerifyChain_AlteredImageIsIntegrityViolation(t *testing.T) {
	f := newChainFixture(t)
	v := f.verifier(t)

	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	bl := f.stage(t, "bootloader", ComponentBootloader, "firmware", []byte("bootloader image"))
	require.NoError(t, v.AddElement(fw))
	require.NoError(t, v.AddElement(bl))

	// One altered byte in the staged bootloader image.
	f.reader["bootloader"] = []byte("bootloader imagX")

	res := v.VerifyChain()
	require.False(t, res.OK)
	assert.Equal(t, "bootloader", res.FailedStage)
	assert.ErrorIs(t, res.Err, ErrIntegrityViolation)

	assert.True(t, fw.Verified(), "firmware verified before the failure")
	assert.False(t, bl.Verified(), "failed element must not be marked verified")
}

func TestVerifyChain_BadSignature(t *testing.T) {
	f := newChainFixture(t)
	v := f.verifier(t)

	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	fw.Image.Signature = bytes.Repeat([]byte{0xAA}, 64)
	require.NoError(t, v.AddElement(fw))

	res := v.VerifyChain()
	require.False(t, res.OK)
	assert.ErrorIs(t, res.Err, ErrSignatureInvalid)
	assert.False(t, fw.Verified())
}

func TestVerifyChain_ChildNeverAttemptedAfterParentFailure(t *testing.T) {
	f := newChainFixture(t)
	v := f.verifier(t)

	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	fw.Image.Signature = bytes.Repeat([]byte{0xAA}, 64)
	bl := f.stage(t, "bootloader", ComponentBootloader, "firmware", []byte("bootloader image"))

	require.NoError(t, v.AddElement(fw))
	require.NoError(t, v.AddElement(bl))

	res := v.VerifyChain()
	require.False(t, res.OK)
	assert.Equal(t, "firmware", res.FailedStage)
	assert.False(t, bl.Verified(), "child of failed parent must remain unverified")
}

func TestVerifyChain_ParentDelegatedKey(t *testing.T) {
	f := newChainFixture(t)
	v := f.verifier(t)

	delegate, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)

	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	fw.NextStageKey = delegate.PublicKey()

	// Bootloader is signed by the delegated key, not the anchor.
	contents := []byte("bootloader image")
	f.reader["bootloader"] = contents
	hash := f.provider.Hash(contents)
	sig, err := delegate.Sign(hash[:])
	require.NoError(t, err)
	bl := &ChainElement{
		Name:   "bootloader",
		Type:   ComponentBootloader,
		Parent: "firmware",
		Image: ImageInfo{
			Location:       "bootloader",
			Hash:           hash,
			Signature:      sig,
			BuildTimestamp: time.Now(),
			Version:        "2.1",
			Arch:           "x86_64",
		},
	}

	require.NoError(t, v.AddElement(fw))
	require.NoError(t, v.AddElement(bl))

	res := v.VerifyChain()
	require.True(t, res.OK, "delegated-key chain should verify: %v", res.Err)
	assert.True(t, bl.Verified())
}

func TestAddElement_OrderingViolations(t *testing.T) {
	f := newChainFixture(t)

	tests := []struct {
		name  string
		setup func(v *Verifier) error
	}{
		{
			name: "root with parent",
			setup: func(v *Verifier) error {
				return v.AddElement(&ChainElement{Name: "fw", Parent: "ghost"})
			},
		},
		{
			name: "second element without parent",
			setup: func(v *Verifier) error {
				if err := v.AddElement(&ChainElement{Name: "fw"}); err != nil {
					return err
				}
				return v.AddElement(&ChainElement{Name: "bl"})
			},
		},
		{
			name: "unknown parent",
			setup: func(v *Verifier) error {
				if err := v.AddElement(&ChainElement{Name: "fw"}); err != nil {
					return err
				}
				return v.AddElement(&ChainElement{Name: "bl", Parent: "missing"})
			},
		},
		{
			name: "branching chain",
			setup: func(v *Verifier) error {
				if err := v.AddElement(&ChainElement{Name: "fw"}); err != nil {
					return err
				}
				if err := v.AddElement(&ChainElement{Name: "bl", Parent: "fw"}); err != nil {
					return err
				}
				return v.AddElement(&ChainElement{Name: "bl2", Parent: "fw"})
			},
		},
		{
			name: "duplicate name",
			setup: func(v *Verifier) error {
				if err := v.AddElement(&ChainElement{Name: "fw"}); err != nil {
					return err
				}
				return v.AddElement(&ChainElement{Name: "fw", Parent: "fw"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.verifier(t)
			err := tt.setup(v)
			assert.ErrorIs(t, err, ErrChainBroken)
		})
	}
}

func TestVerifyChain_StrictModeEscalatesAnomalies(t *testing.T) {
	f := newChainFixture(t)
	f.cfg.StrictMode = true
	v := f.verifier(t)

	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	fw.Image.Version = "" // metadata anomaly
	require.NoError(t, v.AddElement(fw))

	res := v.VerifyChain()
	require.False(t, res.OK)
	assert.Equal(t, "firmware", res.FailedStage)
	assert.False(t, fw.Verified())
}

func TestVerifyChain_PermissiveModeRecordsAnomalies(t *testing.T) {
	f := newChainFixture(t)
	v := f.verifier(t)

	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	fw.Image.Version = ""
	fw.Image.Arch = ""
	require.NoError(t, v.AddElement(fw))

	res := v.VerifyChain()
	require.True(t, res.OK, "permissive mode must not halt on metadata anomalies")
	assert.True(t, fw.Verified())
	assert.Len(t, res.Anomalies, 2)
}

func TestVerifyChain_SingleTerminalOutcome(t *testing.T) {
	f := newChainFixture(t)
	v := f.verifier(t)

	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	require.NoError(t, v.AddElement(fw))

	first := v.VerifyChain()
	second := v.VerifyChain()
	assert.Equal(t, first, second, "repeated calls must return the same outcome")

	err := v.AddElement(f.stage(t, "late", ComponentKernel, "firmware", []byte("late")))
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyChain_EmitsEvents(t *testing.T) {
	f := newChainFixture(t)
	hub := events.NewHub()
	ch := hub.Subscribe(10, events.EventBootVerified, events.EventBootFailed)

	v := NewVerifier(f.cfg, f.provider, f.reader, nil, hub, nil)
	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	require.NoError(t, v.AddElement(fw))

	res := v.VerifyChain()
	require.True(t, res.OK)

	select {
	case e := <-ch:
		assert.Equal(t, events.EventBootVerified, e.Type)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no boot event emitted")
	}
}

func TestRecorder_ExtendAndSeal(t *testing.T) {
	provider, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	rec := NewRecorder(provider, clk)

	f := newChainFixture(t)
	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	bl := f.stage(t, "bootloader", ComponentBootloader, "firmware", []byte("bootloader image"))

	var zero [crypto.HashSize]byte
	rec.Extend(fw)
	rec.Extend(bl)

	regs := rec.Registers()
	assert.NotEqual(t, zero, regs[RegisterFirmware])
	assert.NotEqual(t, zero, regs[RegisterBootloader])
	assert.Equal(t, zero, regs[RegisterKernel], "untouched register stays zero")
	assert.Len(t, rec.Events(), 2)

	report, err := rec.Seal()
	require.NoError(t, err)
	require.NotNil(t, report)

	ok, err := VerifyReport(report, provider)
	require.NoError(t, err)
	assert.True(t, ok, "report signature must verify")

	// Sealing is exactly-once: same report comes back, later extends are ignored.
	again, err := rec.Seal()
	require.NoError(t, err)
	assert.Same(t, report, again)

	rec.Extend(fw)
	assert.Len(t, rec.Events(), 2, "extend after seal must not mutate the log")
}

func TestRecorder_ExtendOrderChangesRegisters(t *testing.T) {
	provider, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)

	f := newChainFixture(t)
	a := f.stage(t, "k1", ComponentKernel, "", []byte("image a"))
	b := f.stage(t, "k2", ComponentKernel, "", []byte("image b"))

	rec1 := NewRecorder(provider, nil)
	rec1.Extend(a)
	rec1.Extend(b)

	rec2 := NewRecorder(provider, nil)
	rec2.Extend(b)
	rec2.Extend(a)

	assert.NotEqual(t, rec1.Registers()[RegisterKernel], rec2.Registers()[RegisterKernel],
		"measurement must be order-sensitive")
}

func TestVerifier_SealsReportOnFailureToo(t *testing.T) {
	f := newChainFixture(t)
	provider, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	rec := NewRecorder(provider, nil)
	v := NewVerifier(f.cfg, f.provider, f.reader, rec, nil, nil)

	fw := f.stage(t, "firmware", ComponentFirmware, "", []byte("firmware image"))
	fw.Image.Signature = bytes.Repeat([]byte{0x01}, 64)
	require.NoError(t, v.AddElement(fw))

	res := v.VerifyChain()
	require.False(t, res.OK)

	report, ok := rec.Report()
	require.True(t, ok, "report must be produced even on failure")
	require.Len(t, report.Events, 1)
	assert.NotEmpty(t, report.Events[0].Failure)
}
