package models

import "testing"

func TestLenientUnmarshal_CoercesStringNumbers(t *testing.T) {
	data := []byte(`{"gameUserId":"10","weapon":"ak47","headshot":"true"}`)

	var kd KillData
	if err := LenientUnmarshal(data, &struct {
		GameUserID int    `json:"gameUserId"`
		Weapon     string `json:"weapon"`
		Headshot   bool   `json:"headshot"`
	}{}); err != nil {
		t.Fatalf("sanity target failed: %v", err)
	}

	type killerOnly struct {
		KillerGameUserID int    `json:"gameUserId"`
		Weapon           string `json:"weapon"`
		Headshot         bool   `json:"headshot"`
	}
	var ko killerOnly
	if err := LenientUnmarshal(data, &ko); err != nil {
		t.Fatalf("LenientUnmarshal returned error: %v", err)
	}
	if ko.KillerGameUserID != 10 {
		t.Errorf("gameUserId = %d, want 10", ko.KillerGameUserID)
	}
	if ko.Weapon != "ak47" {
		t.Errorf("weapon = %q, want ak47", ko.Weapon)
	}
	if !ko.Headshot {
		t.Errorf("headshot = false, want true")
	}
	_ = kd
}

func TestDecodeData_RoundTrips(t *testing.T) {
	e := &Event{
		EventType: EventPlayerKill,
		Data:      []byte(`{"killerGameUserId":1,"victimGameUserId":2,"weapon":"m1","headshot":true,"killerTeam":"allies","victimTeam":"axis"}`),
	}

	kd, err := DecodeData[KillData](e)
	if err != nil {
		t.Fatalf("DecodeData returned error: %v", err)
	}
	if kd.KillerGameUserID != 1 || kd.VictimGameUserID != 2 {
		t.Errorf("unexpected kill data: %+v", kd)
	}
	if !kd.Headshot {
		t.Errorf("expected headshot true")
	}
}

func TestEventType_IsQueueOnly(t *testing.T) {
	cases := map[EventType]bool{
		EventPlayerKill:       true,
		EventWeaponFire:       true,
		EventWeaponHit:        true,
		EventPlayerConnect:    false,
		EventChatMessage:      false,
	}
	for et, want := range cases {
		if got := et.IsQueueOnly(); got != want {
			t.Errorf("%s.IsQueueOnly() = %v, want %v", et, got, want)
		}
	}
}
