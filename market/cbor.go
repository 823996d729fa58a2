package market

import (
	"fmt"
	"io"

	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// CBOR serde for the persisted and wire types. Tuple encoding, field order as
// declared; keep the helpers below in sync when adding fields.

const maxStringLen = 8192
const maxByteLen = 1 << 20
const maxHistoryLen = 8192

func writeString(cw *cbg.CborWriter, s string) error {
	if len(s) > maxStringLen {
		return xerrors.Errorf("string field too long (%d)", len(s))
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := cw.WriteString(s)
	return err
}

func readString(cr *cbg.CborReader) (string, error) {
	return cbg.ReadStringWithMax(cr, maxStringLen)
}

func writeBytes(cw *cbg.CborWriter, b []byte) error {
	if len(b) > maxByteLen {
		return xerrors.Errorf("byte field too long (%d)", len(b))
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(b))); err != nil {
		return err
	}
	_, err := cw.Write(b)
	return err
}

func readBytes(cr *cbg.CborReader) ([]byte, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return nil, err
	}
	if maj != cbg.MajByteString {
		return nil, fmt.Errorf("expected byte string")
	}
	if extra > maxByteLen {
		return nil, fmt.Errorf("byte string too large (%d)", extra)
	}
	if extra == 0 {
		return nil, nil
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeUint64(cw *cbg.CborWriter, v uint64) error {
	return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, v)
}

func readUint64(cr *cbg.CborReader) (uint64, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("expected unsigned int")
	}
	return extra, nil
}

func writeInt64(cw *cbg.CborWriter, v int64) error {
	if v >= 0 {
		return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(v))
	}
	return cw.WriteMajorTypeHeader(cbg.MajNegativeInt, uint64(-v-1))
}

func readInt64(cr *cbg.CborReader) (int64, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	switch maj {
	case cbg.MajUnsignedInt:
		if int64(extra) < 0 {
			return 0, fmt.Errorf("int64 positive overflow")
		}
		return int64(extra), nil
	case cbg.MajNegativeInt:
		if int64(extra) < 0 {
			return 0, fmt.Errorf("int64 negative overflow")
		}
		return -1 - int64(extra), nil
	default:
		return 0, fmt.Errorf("wrong type for int64 field: %d", maj)
	}
}

func writeBool(cw *cbg.CborWriter, b bool) error {
	return cbg.WriteBool(cw, b)
}

func readBool(cr *cbg.CborReader) (bool, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return false, err
	}
	if maj != cbg.MajOther {
		return false, fmt.Errorf("booleans must be major type 7")
	}
	switch extra {
	case 20:
		return false, nil
	case 21:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean value (%d)", extra)
	}
}

func readTupleHeader(cr *cbg.CborReader, fields uint64) error {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return fmt.Errorf("cbor input should be of type array")
	}
	if extra != fields {
		return fmt.Errorf("cbor input had wrong number of fields (%d != %d)", extra, fields)
	}
	return nil
}

// Entry

func (e *Entry) MarshalCBOR(w io.Writer) error {
	if e == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 9); err != nil {
		return err
	}
	if err := writeString(cw, string(e.ID)); err != nil {
		return err
	}
	if err := writeString(cw, string(e.Owner)); err != nil {
		return err
	}
	if err := writeUint64(cw, uint64(e.Kind)); err != nil {
		return err
	}
	if err := writeBytes(cw, e.Properties); err != nil {
		return err
	}
	if err := writeString(cw, e.Constraint); err != nil {
		return err
	}
	if err := writeInt64(cw, e.PublishedAt); err != nil {
		return err
	}
	if err := writeInt64(cw, e.ExpiresAt); err != nil {
		return err
	}
	if err := writeBool(cw, e.Withdrawn); err != nil {
		return err
	}
	return writeUint64(cw, e.Seq)
}

func (e *Entry) UnmarshalCBOR(r io.Reader) (err error) {
	*e = Entry{}
	cr := cbg.NewCborReader(r)
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	if err := readTupleHeader(cr, 9); err != nil {
		return err
	}
	s, err := readString(cr)
	if err != nil {
		return err
	}
	e.ID = EntryID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	e.Owner = PartyID(s)
	kind, err := readUint64(cr)
	if err != nil {
		return err
	}
	e.Kind = EntryKind(kind)
	if e.Properties, err = readBytes(cr); err != nil {
		return err
	}
	if e.Constraint, err = readString(cr); err != nil {
		return err
	}
	if e.PublishedAt, err = readInt64(cr); err != nil {
		return err
	}
	if e.ExpiresAt, err = readInt64(cr); err != nil {
		return err
	}
	if e.Withdrawn, err = readBool(cr); err != nil {
		return err
	}
	e.Seq, err = readUint64(cr)
	return err
}

// Proposal

func (p *Proposal) MarshalCBOR(w io.Writer) error {
	if p == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 6); err != nil {
		return err
	}
	if err := writeUint64(cw, p.ID); err != nil {
		return err
	}
	if err := writeString(cw, string(p.Author)); err != nil {
		return err
	}
	if err := writeBytes(cw, p.Terms); err != nil {
		return err
	}
	if err := writeString(cw, p.Constraint); err != nil {
		return err
	}
	if err := writeInt64(cw, p.PrevID); err != nil {
		return err
	}
	return writeInt64(cw, p.CreatedAt)
}

func (p *Proposal) UnmarshalCBOR(r io.Reader) (err error) {
	*p = Proposal{}
	cr := cbg.NewCborReader(r)
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	if err := readTupleHeader(cr, 6); err != nil {
		return err
	}
	if p.ID, err = readUint64(cr); err != nil {
		return err
	}
	s, err := readString(cr)
	if err != nil {
		return err
	}
	p.Author = PartyID(s)
	if p.Terms, err = readBytes(cr); err != nil {
		return err
	}
	if p.Constraint, err = readString(cr); err != nil {
		return err
	}
	if p.PrevID, err = readInt64(cr); err != nil {
		return err
	}
	p.CreatedAt, err = readInt64(cr)
	return err
}

// NegotiationThread

func (t *NegotiationThread) MarshalCBOR(w io.Writer) error {
	if t == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 12); err != nil {
		return err
	}
	if err := writeString(cw, string(t.ID)); err != nil {
		return err
	}
	if err := writeString(cw, string(t.OfferID)); err != nil {
		return err
	}
	if err := writeString(cw, string(t.DemandID)); err != nil {
		return err
	}
	if err := writeString(cw, string(t.Requestor)); err != nil {
		return err
	}
	if err := writeString(cw, string(t.Provider)); err != nil {
		return err
	}
	if err := writeUint64(cw, uint64(t.Status)); err != nil {
		return err
	}
	if len(t.History) > maxHistoryLen {
		return xerrors.Errorf("history too long (%d)", len(t.History))
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(t.History))); err != nil {
		return err
	}
	for i := range t.History {
		if err := t.History[i].MarshalCBOR(cw); err != nil {
			return err
		}
	}
	if err := writeString(cw, string(t.ApprovedBy)); err != nil {
		return err
	}
	if err := writeUint64(cw, t.ApprovedID); err != nil {
		return err
	}
	if err := writeString(cw, string(t.AgreementID)); err != nil {
		return err
	}
	if err := writeString(cw, t.Reason); err != nil {
		return err
	}
	return writeInt64(cw, t.LastActivity)
}

func (t *NegotiationThread) UnmarshalCBOR(r io.Reader) (err error) {
	*t = NegotiationThread{}
	cr := cbg.NewCborReader(r)
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	if err := readTupleHeader(cr, 12); err != nil {
		return err
	}
	s, err := readString(cr)
	if err != nil {
		return err
	}
	t.ID = ThreadID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	t.OfferID = EntryID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	t.DemandID = EntryID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	t.Requestor = PartyID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	t.Provider = PartyID(s)
	status, err := readUint64(cr)
	if err != nil {
		return err
	}
	t.Status = ThreadStatus(status)

	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajArray {
		return fmt.Errorf("expected cbor array for history")
	}
	if extra > maxHistoryLen {
		return fmt.Errorf("history too large (%d)", extra)
	}
	if extra > 0 {
		t.History = make([]Proposal, extra)
	}
	for i := 0; i < int(extra); i++ {
		if err := t.History[i].UnmarshalCBOR(cr); err != nil {
			return err
		}
	}

	if s, err = readString(cr); err != nil {
		return err
	}
	t.ApprovedBy = PartyID(s)
	if t.ApprovedID, err = readUint64(cr); err != nil {
		return err
	}
	if s, err = readString(cr); err != nil {
		return err
	}
	t.AgreementID = AgreementID(s)
	if t.Reason, err = readString(cr); err != nil {
		return err
	}
	t.LastActivity, err = readInt64(cr)
	return err
}

// Agreement

func (a *Agreement) MarshalCBOR(w io.Writer) error {
	if a == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 11); err != nil {
		return err
	}
	if err := writeString(cw, string(a.ID)); err != nil {
		return err
	}
	if err := writeString(cw, string(a.ThreadID)); err != nil {
		return err
	}
	if err := writeString(cw, string(a.Requestor)); err != nil {
		return err
	}
	if err := writeString(cw, string(a.Provider)); err != nil {
		return err
	}
	if err := writeBytes(cw, a.Terms); err != nil {
		return err
	}
	if err := writeBytes(cw, a.RequestorSig); err != nil {
		return err
	}
	if err := writeBytes(cw, a.ProviderSig); err != nil {
		return err
	}
	if err := writeInt64(cw, a.ValidFrom); err != nil {
		return err
	}
	if err := writeInt64(cw, a.ValidTo); err != nil {
		return err
	}
	if err := writeUint64(cw, uint64(a.Status)); err != nil {
		return err
	}
	return writeString(cw, a.Reason)
}

func (a *Agreement) UnmarshalCBOR(r io.Reader) (err error) {
	*a = Agreement{}
	cr := cbg.NewCborReader(r)
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	if err := readTupleHeader(cr, 11); err != nil {
		return err
	}
	s, err := readString(cr)
	if err != nil {
		return err
	}
	a.ID = AgreementID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	a.ThreadID = ThreadID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	a.Requestor = PartyID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	a.Provider = PartyID(s)
	if a.Terms, err = readBytes(cr); err != nil {
		return err
	}
	if a.RequestorSig, err = readBytes(cr); err != nil {
		return err
	}
	if a.ProviderSig, err = readBytes(cr); err != nil {
		return err
	}
	if a.ValidFrom, err = readInt64(cr); err != nil {
		return err
	}
	if a.ValidTo, err = readInt64(cr); err != nil {
		return err
	}
	status, err := readUint64(cr)
	if err != nil {
		return err
	}
	a.Status = AgreementStatus(status)
	a.Reason, err = readString(cr)
	return err
}

// Message

func (m *Message) MarshalCBOR(w io.Writer) error {
	if m == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}
	cw := cbg.NewCborWriter(w)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 12); err != nil {
		return err
	}
	if err := writeString(cw, string(m.ThreadID)); err != nil {
		return err
	}
	if err := writeUint64(cw, uint64(m.Kind)); err != nil {
		return err
	}
	if err := writeString(cw, string(m.From)); err != nil {
		return err
	}
	if err := writeString(cw, string(m.OfferID)); err != nil {
		return err
	}
	if err := writeString(cw, string(m.DemandID)); err != nil {
		return err
	}
	if err := writeUint64(cw, m.ProposalID); err != nil {
		return err
	}
	if err := writeInt64(cw, m.PrevID); err != nil {
		return err
	}
	if err := writeBytes(cw, m.Terms); err != nil {
		return err
	}
	if err := writeString(cw, m.Constraint); err != nil {
		return err
	}
	if err := writeString(cw, m.Reason); err != nil {
		return err
	}
	if err := writeBytes(cw, m.Signature); err != nil {
		return err
	}
	return writeInt64(cw, m.SentAt)
}

func (m *Message) UnmarshalCBOR(r io.Reader) (err error) {
	*m = Message{}
	cr := cbg.NewCborReader(r)
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	if err := readTupleHeader(cr, 12); err != nil {
		return err
	}
	s, err := readString(cr)
	if err != nil {
		return err
	}
	m.ThreadID = ThreadID(s)
	kind, err := readUint64(cr)
	if err != nil {
		return err
	}
	m.Kind = MessageKind(kind)
	if s, err = readString(cr); err != nil {
		return err
	}
	m.From = PartyID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	m.OfferID = EntryID(s)
	if s, err = readString(cr); err != nil {
		return err
	}
	m.DemandID = EntryID(s)
	if m.ProposalID, err = readUint64(cr); err != nil {
		return err
	}
	if m.PrevID, err = readInt64(cr); err != nil {
		return err
	}
	if m.Terms, err = readBytes(cr); err != nil {
		return err
	}
	if m.Constraint, err = readString(cr); err != nil {
		return err
	}
	if m.Reason, err = readString(cr); err != nil {
		return err
	}
	if m.Signature, err = readBytes(cr); err != nil {
		return err
	}
	m.SentAt, err = readInt64(cr)
	return err
}
