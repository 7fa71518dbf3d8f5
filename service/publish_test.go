package service

import (
	"testing"
)

func testService(t *testing.T) *Service {
	t.Helper()
	store := newMemStore()
	cfg := Config{LocalAddr: "127.0.0.1:8080", Store: store}
	svc, err := Setup(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	svc.UpdateConsensus(freshConsensus())
	return svc
}

func TestRotateDescriptorStateFirstCallRotates(t *testing.T) {
	svc := testService(t)

	rotated, err := svc.rotateDescriptorState()
	if err != nil {
		t.Fatalf("rotateDescriptorState: %v", err)
	}
	if !rotated {
		t.Fatal("first call should report a rotation")
	}
	if svc.currentBlindedSigning() == nil {
		t.Fatal("blinded signing key not set after rotation")
	}
	if svc.currentSubcredential() == [32]byte{} {
		t.Fatal("subcredential not set after rotation")
	}
}

func TestRotateDescriptorStateSamePeriodNoOp(t *testing.T) {
	svc := testService(t)

	if _, err := svc.rotateDescriptorState(); err != nil {
		t.Fatalf("rotateDescriptorState: %v", err)
	}
	first := svc.currentBlindedSigning()

	rotated, err := svc.rotateDescriptorState()
	if err != nil {
		t.Fatalf("rotateDescriptorState (second call): %v", err)
	}
	if rotated {
		t.Fatal("second call within the same time period should not rotate")
	}
	if svc.currentBlindedSigning() != first {
		t.Fatal("blinded signing key should be unchanged without a rotation")
	}
}

func TestPublishDescriptorNoIntroPoints(t *testing.T) {
	svc := testService(t)
	if _, err := svc.rotateDescriptorState(); err != nil {
		t.Fatalf("rotateDescriptorState: %v", err)
	}

	if err := svc.publishDescriptor(); err == nil {
		t.Fatal("expected error when there are no introduction points")
	}
}

func TestPublishDescriptorRequiresDescriptorState(t *testing.T) {
	svc := testService(t)
	svc.intro = []*introCircuit{{point: "introduction-point stub\n"}}

	if err := svc.publishDescriptor(); err == nil {
		t.Fatal("expected error when descriptor state has not been rotated yet")
	}
}
