package lora

import "encoding/binary"

// knownOMSManufacturers is the subset of OMS manufacturer codes the
// signature checks for, keyed the same way as mbus/wmbus's 16-bit field.
var knownOMSManufacturers = map[uint16]bool{
	0x2C2D: true, // Kamstrup
	0x11A5: true, // Diehl
	0x1C08: true, // Itron
	0x32A7: true, // Landis+Gyr
	0x6A49: true, // Zenner
}

func omsSignature(payload []byte, _ byte) *Detection {
	if len(payload) < 12 {
		return nil
	}
	score := 0
	var reasons []string
	if len(payload) > 1 {
		switch payload[1] {
		case 0x44, 0x46, 0x08:
			score += 40
			reasons = append(reasons, "OMS C-field detected")
		}
	}
	if len(payload) > 3 {
		mfr := binary.LittleEndian.Uint16(payload[2:4])
		if knownOMSManufacturers[mfr] {
			score += 40
			reasons = append(reasons, "known OMS manufacturer")
		}
	}
	if len(payload) > 10 && payload[10] <= 0x0F {
		score += 20
		reasons = append(reasons, "valid OMS medium")
	}
	if score == 0 {
		return nil
	}
	return &Detection{Format: "OMS", Confidence: confidenceFromScore(score), Reasoning: reasons, DecoderType: "oms"}
}

// cayenneTLVSize returns the payload size of a Cayenne-LPP type byte, or 0
// if the type is unrecognized.
func cayenneTLVSize(typ byte) int {
	switch typ {
	case 0x00, 0x01, 0x66, 0x68:
		return 1
	case 0x02, 0x03, 0x67, 0x65, 0x73, 0x74, 0x75, 0x76, 0x77, 0x78:
		return 2
	case 0x71, 0x86:
		return 6
	case 0x88:
		return 9
	case 0x83, 0x85:
		return 4
	default:
		return 0
	}
}

func cayenneSignature(payload []byte, _ byte) *Detection {
	if len(payload) < 3 {
		return nil
	}
	offset, validTLVs := 0, 0
	var reasons []string
	for offset+2 < len(payload) {
		typ := payload[offset+1]
		size := cayenneTLVSize(typ)
		if size == 0 || offset+2+size > len(payload) {
			break
		}
		validTLVs++
		offset += 2 + size
		switch typ {
		case 0x67:
			reasons = append(reasons, "temperature sensor detected")
		case 0x68:
			reasons = append(reasons, "humidity sensor detected")
		case 0x73:
			reasons = append(reasons, "barometer detected")
		case 0x88:
			reasons = append(reasons, "GPS location detected")
		}
	}
	if validTLVs == 0 {
		return nil
	}
	coverage := offset * 100 / len(payload)
	var score int
	switch {
	case coverage > 90:
		score = 95
	case coverage > 70:
		score = 75
	default:
		score = 50
	}
	return &Detection{Format: "CayenneLPP", Confidence: confidenceFromScore(score), Reasoning: reasons, DecoderType: "cayenne_lpp"}
}

func decentlabSignature(payload []byte, _ byte) *Detection {
	if len(payload) < 6 {
		return nil
	}
	score := 0
	var reasons []string
	if payload[0] == 0x02 {
		score += 30
		reasons = append(reasons, "Decentlab protocol v2 detected")
	}
	deviceID := binary.BigEndian.Uint16(payload[1:3])
	if deviceID > 0 && deviceID < 0xFFFF {
		score += 20
	}
	flags := payload[3]
	if flags > 0 && popcount(flags) <= 4 {
		score += 30
		reasons = append(reasons, "sensors active")
	}
	last := binary.BigEndian.Uint16(payload[len(payload)-2:])
	if last >= 2000 && last <= 4000 {
		score += 20
		reasons = append(reasons, "battery voltage in range")
	}
	if score < 50 {
		return nil
	}
	return &Detection{Format: "Decentlab", Confidence: confidenceFromScore(score), Reasoning: reasons, DecoderType: "decentlab"}
}

func draginoSignature(payload []byte, _ byte) *Detection {
	var reasons []string
	var score int
	var variant string
	switch len(payload) {
	case 13:
		if len(payload) >= 9 {
			flowRate := binary.LittleEndian.Uint16(payload[3:5])
			volume := binary.LittleEndian.Uint32(payload[5:9])
			if flowRate < 10000 && volume < 100000000 {
				score = 80
				variant = "SW3L"
				reasons = append(reasons, "Dragino SW3L format detected")
			}
		}
	case 9:
		leak := payload[2]
		if leak <= 1 {
			score = 75
			variant = "LWL03A"
			reasons = append(reasons, "Dragino LWL03A format detected")
		}
	}
	if score == 0 {
		return nil
	}
	return &Detection{Format: "Dragino", Confidence: confidenceFromScore(score), Variant: variant, Reasoning: reasons, DecoderType: "dragino_" + variant}
}

func elvacoSignature(payload []byte, _ byte) *Detection {
	if len(payload) < 12 {
		return nil
	}
	score := 0
	var reasons []string
	var variant string
	switch payload[0] {
	case 0x78:
		score += 40
		variant = "CMi4110-Water"
		reasons = append(reasons, "Elvaco water meter signature")
	case 0x79:
		score += 40
		variant = "CMi4110-Heat"
		reasons = append(reasons, "Elvaco heat meter signature")
	}
	if len(payload) >= 24 && payload[0]&0xF0 == 0x40 {
		score += 40
		variant = "CMe3100"
		reasons = append(reasons, "Elvaco electricity meter signature")
	}
	if len(payload) >= 15 && (payload[0] == 0x78 || payload[0] == 0x79) {
		temp := binary.LittleEndian.Uint16(payload[13:15])
		if temp > 0 && temp < 10000 {
			score += 20
			reasons = append(reasons, "valid temperature")
		}
	}
	if score == 0 {
		return nil
	}
	model := "generic"
	switch variant {
	case "CMi4110-Water", "CMi4110-Heat":
		model = "cmi4110"
	case "CMe3100":
		model = "cme3100"
	}
	return &Detection{Format: "Elvaco", Confidence: confidenceFromScore(score), Variant: variant, Reasoning: reasons, DecoderType: "elvaco_" + model}
}

func sensativeSignature(payload []byte, _ byte) *Detection {
	if len(payload) < 3 {
		return nil
	}
	offset, validTLVs := 0, 0
	var reasons []string
	for offset+2 < len(payload) {
		typ := payload[offset]
		length := int(payload[offset+1])
		expected := 0
		switch typ {
		case 0x01:
			expected = 2
		case 0x02:
			expected = 1
		case 0x03:
			expected = 2
		case 0x04, 0x05:
			expected = 1
		}
		if expected == 0 || length != expected || offset+2+length > len(payload) {
			break
		}
		validTLVs++
		offset += 2 + length
		switch typ {
		case 0x01:
			reasons = append(reasons, "Sensative temperature sensor")
		case 0x02:
			reasons = append(reasons, "Sensative humidity sensor")
		case 0x04:
			reasons = append(reasons, "Sensative door sensor")
		}
	}
	if validTLVs == 0 || offset != len(payload) {
		return nil
	}
	return &Detection{Format: "Sensative", Confidence: confidenceFromScore(85), Variant: "Strips", Reasoning: reasons, DecoderType: "sensative"}
}

func compactFrameSignature(payload []byte, fPort byte) *Detection {
	if len(payload) < 11 {
		return nil
	}
	score := 0
	var reasons []string
	if payload[0] >= 0x1C && payload[0] <= 0x3C {
		score += 30
		reasons = append(reasons, "valid compact frame length byte")
	}
	if fPort >= 1 && fPort <= 6 {
		score += 20
		reasons = append(reasons, "fPort indicates a known unit mapping")
	}
	if len(payload) >= 8 {
		counter := binary.LittleEndian.Uint32(payload[4:8])
		if counter < 100000000 {
			score += 20
			reasons = append(reasons, "valid counter value")
		}
	}
	if payload[10] <= 100 {
		score += 20
		reasons = append(reasons, "valid battery level")
	}
	if score < 50 {
		return nil
	}
	return &Detection{Format: "CompactFrame", Confidence: confidenceFromScore(score), Reasoning: reasons, DecoderType: "en13757_compact"}
}

func genericCounterAnalyzer(payload []byte, _ byte) *Detection {
	if len(payload) < 4 {
		return nil
	}
	score := 0
	var reasons []string
	switch len(payload) {
	case 8, 10, 12:
		score += 20
		reasons = append(reasons, "common counter payload size")
	}
	counterLE := binary.LittleEndian.Uint32(payload[0:4])
	counterBE := binary.BigEndian.Uint32(payload[0:4])
	if counterLE < 10000000 {
		score += 20
		reasons = append(reasons, "possible counter value (LE)")
	} else if counterBE < 10000000 {
		score += 20
		reasons = append(reasons, "possible counter value (BE)")
	}
	if len(payload) >= 5 && payload[len(payload)-1] <= 100 {
		score += 15
		reasons = append(reasons, "possible battery percentage")
	}
	if len(payload) >= 7 && popcount(payload[len(payload)-2]) <= 3 {
		score += 15
		reasons = append(reasons, "possible status flags")
	}
	if score < 30 {
		return nil
	}
	return &Detection{Format: "GenericCounter", Confidence: confidenceFromScore(score), Reasoning: reasons, DecoderType: "generic_counter"}
}

func wmbusAnalyzer(payload []byte, _ byte) *Detection {
	if len(payload) < 12 {
		return nil
	}
	score := 0
	var reasons []string
	if payload[0] == 0x68 || payload[0] == 0x10 {
		score += 30
		reasons = append(reasons, "wM-Bus start byte detected")
	}
	if payload[0] == payload[3] && payload[0] < 0xFF {
		score += 20
		reasons = append(reasons, "wM-Bus length fields match")
	}
	if payload[len(payload)-1] == 0x16 {
		score += 20
		reasons = append(reasons, "wM-Bus stop byte detected")
	}
	if score < 50 {
		return nil
	}
	return &Detection{Format: "wM-Bus", Confidence: confidenceFromScore(score), Reasoning: reasons, DecoderType: "en13757_compact"}
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}
