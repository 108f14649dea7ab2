package types

import (
	wkproto "github.com/WuKongIM/WuKongIMGoProto"
)

// 编码版本，新增字段只能追加在末尾，解码时通过 dec.Len() 判断是否存在
const (
	requestVersion  uint8 = 1
	responseVersion uint8 = 2 // v2: ConflictIndex
	stateVersion    uint8 = 1
)

const (
	entryFlagMeta uint8 = 1 << iota
	entryFlagWaitForSync
)

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func (e LogEntry) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	if err := e.encode(enc); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

func (e LogEntry) encode(enc *wkproto.Encoder) error {
	var flag uint8
	if e.Meta != nil {
		flag |= entryFlagMeta
	}
	if e.WaitForSync {
		flag |= entryFlagWaitForSync
	}
	enc.WriteUint64(uint64(e.TermIndex.Term))
	enc.WriteUint64(uint64(e.TermIndex.Index))
	enc.WriteUint8(flag)
	if e.Meta == nil {
		enc.WriteBinary(e.Payload)
		return nil
	}
	enc.WriteUint8(uint8(e.Meta.Type))
	enc.WriteString(string(e.Meta.Leader))
	var cfgData []byte
	if e.Meta.Participants != nil {
		var err error
		if cfgData, err = e.Meta.Participants.Marshal(); err != nil {
			return err
		}
	}
	enc.WriteBinary(cfgData)
	return nil
}

func UnmarshalLogEntry(data []byte) (LogEntry, error) {
	return decodeLogEntry(wkproto.NewDecoder(data))
}

func decodeLogEntry(dec *wkproto.Decoder) (LogEntry, error) {
	var (
		e   LogEntry
		err error
		v   uint64
	)
	if v, err = dec.Uint64(); err != nil {
		return e, err
	}
	e.TermIndex.Term = LogTerm(v)
	if v, err = dec.Uint64(); err != nil {
		return e, err
	}
	e.TermIndex.Index = LogIndex(v)
	var flag uint8
	if flag, err = dec.Uint8(); err != nil {
		return e, err
	}
	e.WaitForSync = flag&entryFlagWaitForSync != 0
	if flag&entryFlagMeta == 0 {
		if e.Payload, err = dec.Binary(); err != nil {
			return e, err
		}
		return e, nil
	}
	meta := &MetaPayload{}
	var metaType uint8
	if metaType, err = dec.Uint8(); err != nil {
		return e, err
	}
	meta.Type = MetaType(metaType)
	var leader string
	if leader, err = dec.String(); err != nil {
		return e, err
	}
	meta.Leader = ParticipantID(leader)
	cfgData, err := dec.Binary()
	if err != nil {
		return e, err
	}
	if len(cfgData) > 0 {
		if meta.Participants, err = UnmarshalParticipantsConfig(cfgData); err != nil {
			return e, err
		}
	}
	e.Meta = meta
	return e, nil
}

func (p *ParticipantsConfig) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	enc.WriteUint64(p.Generation)
	enc.WriteUint32(uint32(p.Config.WriteConcern))
	enc.WriteUint8(boolToUint8(p.Config.WaitForSync))
	ids := p.IDs()
	enc.WriteUint32(uint32(len(ids)))
	for _, id := range ids {
		flags := p.Participants[id]
		enc.WriteString(string(id))
		enc.WriteUint8(boolToUint8(flags.Forced) | boolToUint8(flags.Excluded)<<1)
	}
	return enc.Bytes(), nil
}

func UnmarshalParticipantsConfig(data []byte) (*ParticipantsConfig, error) {
	dec := wkproto.NewDecoder(data)
	p := &ParticipantsConfig{}
	var err error
	if p.Generation, err = dec.Uint64(); err != nil {
		return nil, err
	}
	writeConcern, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	p.Config.WriteConcern = int(writeConcern)
	waitForSync, err := dec.Uint8()
	if err != nil {
		return nil, err
	}
	p.Config.WaitForSync = waitForSync == 1
	count, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	p.Participants = make(map[ParticipantID]ParticipantFlags, count)
	for i := uint32(0); i < count; i++ {
		id, err := dec.String()
		if err != nil {
			return nil, err
		}
		flag, err := dec.Uint8()
		if err != nil {
			return nil, err
		}
		p.Participants[ParticipantID(id)] = ParticipantFlags{
			Forced:   flag&1 != 0,
			Excluded: flag&2 != 0,
		}
	}
	return p, nil
}

func (r *AppendEntriesRequest) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	enc.WriteUint8(requestVersion)
	enc.WriteUint64(uint64(r.Term))
	enc.WriteString(string(r.LeaderID))
	enc.WriteUint64(uint64(r.PrevLogEntry.Term))
	enc.WriteUint64(uint64(r.PrevLogEntry.Index))
	enc.WriteUint64(uint64(r.LeaderCommit))
	enc.WriteUint64(uint64(r.LowestIndexToKeep))
	enc.WriteUint64(uint64(r.MessageID))
	enc.WriteUint8(boolToUint8(r.WaitForSync))
	enc.WriteUint32(uint32(len(r.Entries)))
	for _, e := range r.Entries {
		data, err := e.Marshal()
		if err != nil {
			return nil, err
		}
		enc.WriteBinary(data)
	}
	return enc.Bytes(), nil
}

func (r *AppendEntriesRequest) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	version, err := dec.Uint8()
	if err != nil {
		return err
	}
	if version == 0 {
		return ErrUnsupportedVersion
	}
	var v uint64
	if v, err = dec.Uint64(); err != nil {
		return err
	}
	r.Term = LogTerm(v)
	leaderID, err := dec.String()
	if err != nil {
		return err
	}
	r.LeaderID = ParticipantID(leaderID)
	if v, err = dec.Uint64(); err != nil {
		return err
	}
	r.PrevLogEntry.Term = LogTerm(v)
	if v, err = dec.Uint64(); err != nil {
		return err
	}
	r.PrevLogEntry.Index = LogIndex(v)
	if v, err = dec.Uint64(); err != nil {
		return err
	}
	r.LeaderCommit = LogIndex(v)
	if v, err = dec.Uint64(); err != nil {
		return err
	}
	r.LowestIndexToKeep = LogIndex(v)
	if v, err = dec.Uint64(); err != nil {
		return err
	}
	r.MessageID = MessageID(v)
	waitForSync, err := dec.Uint8()
	if err != nil {
		return err
	}
	r.WaitForSync = waitForSync == 1
	count, err := dec.Uint32()
	if err != nil {
		return err
	}
	r.Entries = make([]LogEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		entryData, err := dec.Binary()
		if err != nil {
			return err
		}
		e, err := UnmarshalLogEntry(entryData)
		if err != nil {
			return err
		}
		r.Entries = append(r.Entries, e)
	}
	return nil
}

func (r *AppendEntriesResponse) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	enc.WriteUint8(responseVersion)
	enc.WriteUint64(uint64(r.Term))
	enc.WriteUint16(uint16(r.ErrorCode))
	enc.WriteString(r.Reason)
	enc.WriteUint64(uint64(r.MessageID))
	enc.WriteUint8(boolToUint8(r.SnapshotAvailable))
	enc.WriteUint64(uint64(r.ConflictIndex))
	return enc.Bytes(), nil
}

func (r *AppendEntriesResponse) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	version, err := dec.Uint8()
	if err != nil {
		return err
	}
	if version == 0 {
		return ErrUnsupportedVersion
	}
	var v uint64
	if v, err = dec.Uint64(); err != nil {
		return err
	}
	r.Term = LogTerm(v)
	code, err := dec.Uint16()
	if err != nil {
		return err
	}
	r.ErrorCode = AppendEntriesErrorCode(code)
	if r.Reason, err = dec.String(); err != nil {
		return err
	}
	if v, err = dec.Uint64(); err != nil {
		return err
	}
	r.MessageID = MessageID(v)
	snapshotAvailable, err := dec.Uint8()
	if err != nil {
		return err
	}
	r.SnapshotAvailable = snapshotAvailable == 1

	// v1的节点不发送ConflictIndex
	if dec.Len() > 0 {
		if v, err = dec.Uint64(); err != nil {
			return err
		}
		r.ConflictIndex = LogIndex(v)
	}
	return nil
}

func (p *PersistedStateInfo) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	enc.WriteUint8(stateVersion)
	enc.WriteString(p.StateID)
	enc.WriteUint8(uint8(p.Snapshot.Status))
	enc.WriteInt64(p.Snapshot.Timestamp)
	enc.WriteString(p.Snapshot.Error)
	enc.WriteString(string(p.Snapshot.Leader))
	enc.WriteUint64(p.Generation)
	enc.WriteUint64(uint64(p.Specification.Term))
	enc.WriteString(string(p.Specification.Leader))
	return enc.Bytes(), nil
}

func (p *PersistedStateInfo) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	version, err := dec.Uint8()
	if err != nil {
		return err
	}
	if version == 0 {
		return ErrUnsupportedVersion
	}
	if p.StateID, err = dec.String(); err != nil {
		return err
	}
	status, err := dec.Uint8()
	if err != nil {
		return err
	}
	p.Snapshot.Status = SnapshotStatus(status)
	if p.Snapshot.Timestamp, err = dec.Int64(); err != nil {
		return err
	}
	if p.Snapshot.Error, err = dec.String(); err != nil {
		return err
	}
	leader, err := dec.String()
	if err != nil {
		return err
	}
	p.Snapshot.Leader = ParticipantID(leader)
	if p.Generation, err = dec.Uint64(); err != nil {
		return err
	}
	term, err := dec.Uint64()
	if err != nil {
		return err
	}
	p.Specification.Term = LogTerm(term)
	specLeader, err := dec.String()
	if err != nil {
		return err
	}
	p.Specification.Leader = ParticipantID(specLeader)
	return nil
}
