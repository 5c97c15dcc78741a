package model

import "testing"

func TestImagePath(t *testing.T) {
	if ImagePath(nil) != nil {
		t.Error("nil ref should yield nil path")
	}
	empty := ""
	if ImagePath(&empty) != nil {
		t.Error("empty ref should yield nil path")
	}
	ref := "1700000000.png"
	got := User{AvatarRef: &ref}.ImagePath()
	if got == nil || *got != "/uploads/1700000000.png" {
		t.Errorf("unexpected path: %v", got)
	}
}

func TestOTPPurposeValid(t *testing.T) {
	if !OTPPurposeLogin.Valid() || !OTPPurposeReset.Valid() {
		t.Error("known purposes must be valid")
	}
	if OTPPurpose("signup").Valid() {
		t.Error("unknown purpose must be invalid")
	}
}
