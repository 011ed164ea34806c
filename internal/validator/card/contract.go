package card

import "fmt"

// ContractRecord is one record (1..4) of the Contracts file.
//
//	versionNumber    8
//	tariff           8
//	saleDate        16
//	validityEndDate 16
//	saleSam         32
//	saleCounter     24
//	authKvc          8
//	authenticator   32
//	padding         88
type ContractRecord struct {
	VersionNumber   VersionNumber
	Tariff          PriorityCode
	SaleDate        DateCompact
	ValidityEndDate DateCompact
	SaleSAM         uint32
	SaleCounter     uint32
	AuthKVC         uint8
	Authenticator   uint32
}

func ParseContract(b []byte) (ContractRecord, error) {
	if err := checkRecordLen("contract", b, RecordSize); err != nil {
		return ContractRecord{}, err
	}

	r := NewBitReader(b)
	c := ContractRecord{
		VersionNumber:   VersionNumber(r.Read(8)),
		Tariff:          PriorityCode(r.Read(8)),
		SaleDate:        DateCompact(r.Read(16)),
		ValidityEndDate: DateCompact(r.Read(16)),
		SaleSAM:         uint32(r.Read(32)),
		SaleCounter:     uint32(r.Read(CounterBits)),
		AuthKVC:         uint8(r.Read(8)),
		Authenticator:   uint32(r.Read(32)),
	}
	r.ExpectZero()
	if err := r.Err(); err != nil {
		return ContractRecord{}, err
	}
	if !c.Tariff.Valid() {
		return ContractRecord{}, fmt.Errorf("%w: contract tariff %d", ErrOutOfRange, c.Tariff)
	}
	return c, nil
}

func GenerateContract(c ContractRecord) ([]byte, error) {
	if !c.Tariff.Valid() {
		return nil, fmt.Errorf("%w: contract tariff %d", ErrOutOfRange, c.Tariff)
	}

	w := NewBitWriter(RecordSize)
	w.Write(uint64(c.VersionNumber), 8)
	w.Write(uint64(c.Tariff), 8)
	w.Write(uint64(c.SaleDate), 16)
	w.Write(uint64(c.ValidityEndDate), 16)
	w.Write(uint64(c.SaleSAM), 32)
	w.Write(uint64(c.SaleCounter), CounterBits)
	w.Write(uint64(c.AuthKVC), 8)
	w.Write(uint64(c.Authenticator), 32)
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
