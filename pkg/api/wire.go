package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/rgmanager/pkg/events"
	"github.com/cuemby/rgmanager/pkg/types"
	"google.golang.org/protobuf/types/known/structpb"
)

// Membership is the GetMembership response
type Membership struct {
	types.MembershipSnapshot
	NodeID types.NodeID // Node that answered
	Leader types.NodeID
}

// GroupList is the ListGroups response
type GroupList struct {
	Groups       []types.GroupStatus
	ConfigErrors []string
}

// GroupRequest builds the payload of EnableGroup and RelocateGroup
func GroupRequest(group string, node types.NodeID) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"group": structpb.NewStringValue(group),
		"node":  structpb.NewStringValue(string(node)),
	}}
}

// HistoryRequest builds the payload of GetHistory
func HistoryRequest(group string, limit int) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"group": structpb.NewStringValue(group),
		"limit": structpb.NewNumberValue(float64(limit)),
	}}
}

func parseGroupRequest(s *structpb.Struct) (string, types.NodeID) {
	return str(s, "group"), types.NodeID(str(s, "node"))
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func nodeList(ids []types.NodeID) *structpb.Value {
	values := make([]*structpb.Value, 0, len(ids))
	for _, id := range ids {
		values = append(values, structpb.NewStringValue(string(id)))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func parseNodeList(v *structpb.Value) []types.NodeID {
	var out []types.NodeID
	for _, item := range v.GetListValue().GetValues() {
		out = append(out, types.NodeID(item.GetStringValue()))
	}
	return out
}

func groupStatusToStruct(st types.GroupStatus) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":              structpb.NewStringValue(st.ID),
		"state":           structpb.NewStringValue(string(st.State)),
		"owner":           structpb.NewStringValue(string(st.Owner)),
		"enabled":         structpb.NewBoolValue(st.Enabled),
		"frozen":          structpb.NewBoolValue(st.Frozen),
		"excluded":        structpb.NewBoolValue(st.Excluded),
		"excluded_reason": structpb.NewStringValue(st.ExcludedReason),
		"last_error":      structpb.NewStringValue(st.LastError),
		"restarts":        structpb.NewNumberValue(float64(st.Restarts)),
		"epoch":           structpb.NewStringValue(strconv.FormatUint(st.Epoch, 10)),
		"updated_at":      structpb.NewStringValue(timeString(st.UpdatedAt)),
	}}
}

func groupStatusFromStruct(s *structpb.Struct) types.GroupStatus {
	f := s.GetFields()
	epoch, _ := strconv.ParseUint(str(s, "epoch"), 10, 64)
	return types.GroupStatus{
		ID:             str(s, "id"),
		State:          types.GroupState(str(s, "state")),
		Owner:          types.NodeID(str(s, "owner")),
		Enabled:        f["enabled"].GetBoolValue(),
		Frozen:         f["frozen"].GetBoolValue(),
		Excluded:       f["excluded"].GetBoolValue(),
		ExcludedReason: str(s, "excluded_reason"),
		LastError:      str(s, "last_error"),
		Restarts:       int(num(s, "restarts")),
		Epoch:          epoch,
		UpdatedAt:      parseTime(str(s, "updated_at")),
	}
}

func groupListToStruct(list GroupList) *structpb.Struct {
	groups := make([]*structpb.Value, 0, len(list.Groups))
	for _, st := range list.Groups {
		groups = append(groups, structpb.NewStructValue(groupStatusToStruct(st)))
	}
	errs := make([]*structpb.Value, 0, len(list.ConfigErrors))
	for _, e := range list.ConfigErrors {
		errs = append(errs, structpb.NewStringValue(e))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"groups":        structpb.NewListValue(&structpb.ListValue{Values: groups}),
		"config_errors": structpb.NewListValue(&structpb.ListValue{Values: errs}),
	}}
}

// GroupListFromStruct decodes a ListGroups response
func GroupListFromStruct(s *structpb.Struct) GroupList {
	var list GroupList
	for _, v := range s.GetFields()["groups"].GetListValue().GetValues() {
		list.Groups = append(list.Groups, groupStatusFromStruct(v.GetStructValue()))
	}
	for _, v := range s.GetFields()["config_errors"].GetListValue().GetValues() {
		list.ConfigErrors = append(list.ConfigErrors, v.GetStringValue())
	}
	return list
}

func membershipToStruct(m Membership) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"quorate":      structpb.NewBoolValue(m.Quorate),
		"member_count": structpb.NewNumberValue(float64(m.MemberCount)),
		"fingerprint":  structpb.NewStringValue(fmt.Sprintf("%016x", m.Fingerprint)),
		"members":      nodeList(m.Members),
		"generation":   structpb.NewStringValue(strconv.FormatUint(m.Generation, 10)),
		"node_id":      structpb.NewStringValue(string(m.NodeID)),
		"leader":       structpb.NewStringValue(string(m.Leader)),
	}}
}

// MembershipFromStruct decodes a GetMembership response
func MembershipFromStruct(s *structpb.Struct) Membership {
	fingerprint, _ := strconv.ParseUint(str(s, "fingerprint"), 16, 64)
	generation, _ := strconv.ParseUint(str(s, "generation"), 10, 64)
	return Membership{
		MembershipSnapshot: types.MembershipSnapshot{
			Quorate:     s.GetFields()["quorate"].GetBoolValue(),
			MemberCount: uint32(num(s, "member_count")),
			Fingerprint: fingerprint,
			Members:     parseNodeList(s.GetFields()["members"]),
			Generation:  generation,
		},
		NodeID: types.NodeID(str(s, "node_id")),
		Leader: types.NodeID(str(s, "leader")),
	}
}

func historyToStruct(recs []*types.TransitionRecord) *structpb.Struct {
	values := make([]*structpb.Value, 0, len(recs))
	for _, r := range recs {
		values = append(values, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"group":  structpb.NewStringValue(r.Group),
			"from":   structpb.NewStringValue(string(r.From)),
			"to":     structpb.NewStringValue(string(r.To)),
			"owner":  structpb.NewStringValue(string(r.Owner)),
			"epoch":  structpb.NewStringValue(strconv.FormatUint(r.Epoch, 10)),
			"reason": structpb.NewStringValue(r.Reason),
			"at":     structpb.NewStringValue(timeString(r.At)),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"transitions": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// HistoryFromStruct decodes a GetHistory response
func HistoryFromStruct(s *structpb.Struct) []types.TransitionRecord {
	var out []types.TransitionRecord
	for _, v := range s.GetFields()["transitions"].GetListValue().GetValues() {
		r := v.GetStructValue()
		epoch, _ := strconv.ParseUint(str(r, "epoch"), 10, 64)
		out = append(out, types.TransitionRecord{
			Group:  str(r, "group"),
			From:   types.GroupState(str(r, "from")),
			To:     types.GroupState(str(r, "to")),
			Owner:  types.NodeID(str(r, "owner")),
			Epoch:  epoch,
			Reason: str(r, "reason"),
			At:     parseTime(str(r, "at")),
		})
	}
	return out
}

func eventToStruct(ev *events.Event) *structpb.Struct {
	meta := make(map[string]*structpb.Value, len(ev.Metadata))
	for k, v := range ev.Metadata {
		meta[k] = structpb.NewStringValue(v)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":        structpb.NewStringValue(ev.ID),
		"type":      structpb.NewStringValue(string(ev.Type)),
		"timestamp": structpb.NewStringValue(timeString(ev.Timestamp)),
		"group":     structpb.NewStringValue(ev.Group),
		"node":      structpb.NewStringValue(string(ev.Node)),
		"message":   structpb.NewStringValue(ev.Message),
		"metadata":  structpb.NewStructValue(&structpb.Struct{Fields: meta}),
	}}
}

// EventFromStruct decodes one WatchEvents message
func EventFromStruct(s *structpb.Struct) *events.Event {
	ev := &events.Event{
		ID:        str(s, "id"),
		Type:      events.EventType(str(s, "type")),
		Timestamp: parseTime(str(s, "timestamp")),
		Group:     str(s, "group"),
		Node:      types.NodeID(str(s, "node")),
		Message:   str(s, "message"),
		Metadata:  make(map[string]string),
	}
	for k, v := range s.GetFields()["metadata"].GetStructValue().GetFields() {
		ev.Metadata[k] = v.GetStringValue()
	}
	return ev
}
