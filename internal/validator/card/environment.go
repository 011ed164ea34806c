package card

// EnvironmentRecord is record 1 of the Environment and Holder file.
//
//	versionNumber      8
//	applicationNumber 32
//	issuingDate       16
//	endDate           16
//	holderCompany      8
//	holderIdNumber    32
//	padding          120
type EnvironmentRecord struct {
	VersionNumber     VersionNumber
	ApplicationNumber uint32
	IssuingDate       DateCompact
	EndDate           DateCompact
	HolderCompany     uint8
	HolderIDNumber    uint32
}

func ParseEnvironment(b []byte) (EnvironmentRecord, error) {
	if err := checkRecordLen("environment", b, RecordSize); err != nil {
		return EnvironmentRecord{}, err
	}

	r := NewBitReader(b)
	e := EnvironmentRecord{
		VersionNumber:     VersionNumber(r.Read(8)),
		ApplicationNumber: uint32(r.Read(32)),
		IssuingDate:       DateCompact(r.Read(16)),
		EndDate:           DateCompact(r.Read(16)),
		HolderCompany:     uint8(r.Read(8)),
		HolderIDNumber:    uint32(r.Read(32)),
	}
	r.ExpectZero()
	if err := r.Err(); err != nil {
		return EnvironmentRecord{}, err
	}
	return e, nil
}

func GenerateEnvironment(e EnvironmentRecord) ([]byte, error) {
	w := NewBitWriter(RecordSize)
	w.Write(uint64(e.VersionNumber), 8)
	w.Write(uint64(e.ApplicationNumber), 32)
	w.Write(uint64(e.IssuingDate), 16)
	w.Write(uint64(e.EndDate), 16)
	w.Write(uint64(e.HolderCompany), 8)
	w.Write(uint64(e.HolderIDNumber), 32)
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
