package twinstack

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// A LinkRequest describes a device-to-asset link to establish. MeasureSlots
// explicitly binds device slots to asset slots; ImplicitSlotLinking
// additionally binds every device slot whose name matches an unclaimed asset
// slot of the same measure type. Explicit mappings win over implicit ones for
// the same device slot.
type LinkRequest struct {
	AssetID             string
	MeasureSlots        []SlotMapping
	ImplicitSlotLinking bool
}

// An UnlinkRequest describes which slot mappings of an existing link to
// remove. AllMeasures removes the whole link; otherwise MeasureSlots names the
// device-side slots to detach. A link whose last mapping is removed is removed
// entirely.
type UnlinkRequest struct {
	AllMeasures  bool
	MeasureSlots []string
}

// A LinkManager maintains the bidirectional device-asset relationship. The
// relationship is denormalised onto both twin documents (the device's
// linkedAsset and the asset's linkedDevices) so that routing a measurement
// needs only the device document; the manager's job is to keep the two sides
// mirrored, which it does by mutating both documents under both twins' locks
// in a fixed device-then-asset order.
type LinkManager struct {
	Storage Storage
	History *HistoryAppender
	Locks   Locker
}

// Link establishes or extends the link between the device and the asset named
// by the request. Linking an already-linked device to the same asset merges
// the new slot mappings into the existing link; linking it to a different
// asset fails, because a device feeds at most one asset at a time.
//
// Every effective mapping must bind an existing device slot to an existing
// asset slot that no other device currently claims. A request yielding zero
// effective mappings fails: a link that routes nothing is a configuration
// mistake we refuse to persist silently.
func (m *LinkManager) Link(ctx context.Context, engineID string, deviceID TwinID, req LinkRequest) error {
	ctx, span := tracer.Start(ctx, "Link", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("device", deviceID.DocumentID()),
		attribute.String("asset", req.AssetID),
	))
	defer span.End()

	device, asset, release, err := m.lockAndLoadPair(ctx, engineID, deviceID, req.AssetID)
	if err != nil {
		return err
	}
	defer release()

	if device.AssetLink != nil && device.AssetLink.AssetID != req.AssetID {
		return validationErrorf("device %q is already linked to asset %q", deviceID.DocumentID(), device.AssetLink.AssetID)
	}

	mappings, err := m.resolveMappings(device, asset, req)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return validationErrorf("link between device %q and asset %q binds no measure slots", deviceID.DocumentID(), req.AssetID)
	}

	effective := mergeMappings(existingMappings(device, req.AssetID), mappings)
	device.AssetLink = &AssetLink{AssetID: req.AssetID, Slots: effective}
	setDeviceLink(asset, deviceID.DocumentID(), effective)

	if err := m.writePair(ctx, engineID, device, asset); err != nil {
		return err
	}
	linkTransitions.Add(ctx, 1, transitionAttr(engineID, "link"))

	payload := linkEventPayload(deviceID.DocumentID(), req.AssetID, effective)
	return m.History.Add(ctx, engineID, []HistoryEvent{
		NewHistoryEvent(deviceID.DocumentID(), HistoryLink, payload),
		NewHistoryEvent(req.AssetID, HistoryLink, payload),
	})
}

// Unlink detaches some or all of the device's slot mappings from its linked
// asset. Unlinking a device that is not linked fails.
func (m *LinkManager) Unlink(ctx context.Context, engineID string, deviceID TwinID, req UnlinkRequest) error {
	ctx, span := tracer.Start(ctx, "Unlink", trace.WithAttributes(
		attribute.String("engine", engineID),
		attribute.String("device", deviceID.DocumentID()),
	))
	defer span.End()

	// The asset id is only discoverable from the device document, so the
	// device lock is taken before we know which asset lock to take. The
	// device-then-asset order matches every other code path touching the
	// pair.
	releaseDevice, err := m.Locks.Acquire(ctx, deviceID.LockKey())
	if err != nil {
		return err
	}
	defer releaseDevice()

	var device DigitalTwin
	if err := m.Storage.Get(ctx, engineID, CollectionDevices, deviceID.DocumentID(), &device); err != nil {
		return fmt.Errorf("load device twin: %w", err)
	}
	if device.AssetLink == nil {
		return validationErrorf("device %q is not linked to any asset", deviceID.DocumentID())
	}
	assetID := device.AssetLink.AssetID

	releaseAsset, err := m.Locks.Acquire(ctx, string(KindAsset)+":"+assetID)
	if err != nil {
		return err
	}
	defer releaseAsset()

	var asset DigitalTwin
	if err := m.Storage.Get(ctx, engineID, CollectionAssets, assetID, &asset); err != nil {
		return fmt.Errorf("load asset twin: %w", err)
	}

	remaining, err := remainingMappings(device.AssetLink.Slots, req)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		device.AssetLink = nil
		removeDeviceLink(&asset, deviceID.DocumentID())
	} else {
		device.AssetLink = &AssetLink{AssetID: assetID, Slots: remaining}
		setDeviceLink(&asset, deviceID.DocumentID(), remaining)
	}

	if err := m.writePair(ctx, engineID, &device, &asset); err != nil {
		return err
	}
	linkTransitions.Add(ctx, 1, transitionAttr(engineID, "unlink"))

	payload := linkEventPayload(deviceID.DocumentID(), assetID, remaining)
	return m.History.Add(ctx, engineID, []HistoryEvent{
		NewHistoryEvent(deviceID.DocumentID(), HistoryUnlink, payload),
		NewHistoryEvent(assetID, HistoryUnlink, payload),
	})
}

// LinkAssets applies several link requests for one device, in order. The first
// failing request aborts the batch and earlier requests stay applied: each
// request commits under its own locks, and there is no cross-request
// transaction to roll back.
func (m *LinkManager) LinkAssets(ctx context.Context, engineID string, deviceID TwinID, reqs []LinkRequest) error {
	for _, req := range reqs {
		if err := m.Link(ctx, engineID, deviceID, req); err != nil {
			return err
		}
	}
	return nil
}

// UnlinkAssets applies several unlink requests for one device, in order, with
// the same first-failure-aborts contract as LinkAssets.
func (m *LinkManager) UnlinkAssets(ctx context.Context, engineID string, deviceID TwinID, reqs []UnlinkRequest) error {
	for _, req := range reqs {
		if err := m.Unlink(ctx, engineID, deviceID, req); err != nil {
			return err
		}
	}
	return nil
}

// UnlinkAll removes every link of the given asset, typically ahead of deleting
// the asset itself.
//
// Lock order note: the asset lock is held only while snapshotting the link
// list; each pair is then detached under the canonical device-then-asset
// order that Link and Unlink use. Holding the asset lock across the device
// acquisitions would invert that order and deadlock against a concurrent
// Link. Links established between the snapshot and the detach loop are caught
// by the next iteration.
func (m *LinkManager) UnlinkAll(ctx context.Context, engineID string, assetDocID string) error {
	for {
		deviceIDs, err := m.linkedDevices(ctx, engineID, assetDocID)
		if err != nil {
			return err
		}
		if len(deviceIDs) == 0 {
			return nil
		}
		for _, deviceDocID := range deviceIDs {
			if err := m.detachPair(ctx, engineID, deviceDocID, assetDocID); err != nil {
				return err
			}
		}
	}
}

// linkedDevices snapshots the asset's linked device ids under the asset lock.
func (m *LinkManager) linkedDevices(ctx context.Context, engineID, assetDocID string) ([]string, error) {
	release, err := m.Locks.Acquire(ctx, string(KindAsset)+":"+assetDocID)
	if err != nil {
		return nil, err
	}
	defer release()

	var asset DigitalTwin
	if err := m.Storage.Get(ctx, engineID, CollectionAssets, assetDocID, &asset); err != nil {
		return nil, fmt.Errorf("load asset twin: %w", err)
	}
	ids := make([]string, len(asset.DeviceLinks))
	for i, link := range asset.DeviceLinks {
		ids[i] = link.DeviceID
	}
	return ids, nil
}

// detachPair removes the link between one device and the asset, re-validating
// under both locks that the link still exists: the pair may have changed
// between the caller's snapshot and this acquisition.
func (m *LinkManager) detachPair(ctx context.Context, engineID, deviceDocID, assetDocID string) error {
	releaseDevice, err := m.Locks.Acquire(ctx, string(KindDevice)+":"+deviceDocID)
	if err != nil {
		return err
	}
	defer releaseDevice()
	releaseAsset, err := m.Locks.Acquire(ctx, string(KindAsset)+":"+assetDocID)
	if err != nil {
		return err
	}
	defer releaseAsset()

	var device DigitalTwin
	if err := m.Storage.Get(ctx, engineID, CollectionDevices, deviceDocID, &device); err != nil {
		return fmt.Errorf("load device twin: %w", err)
	}
	var asset DigitalTwin
	if err := m.Storage.Get(ctx, engineID, CollectionAssets, assetDocID, &asset); err != nil {
		return fmt.Errorf("load asset twin: %w", err)
	}

	if device.AssetLink == nil || device.AssetLink.AssetID != assetDocID {
		// The device unlinked or re-linked since the snapshot. The device side
		// is the one a measurement would follow, so trust it and only drop a
		// stale asset-side entry.
		before := len(asset.DeviceLinks)
		removeDeviceLink(&asset, deviceDocID)
		if len(asset.DeviceLinks) == before {
			return nil
		}
		if err := m.Storage.Update(ctx, engineID, CollectionAssets, assetDocID, &asset); err != nil {
			return fmt.Errorf("update asset twin: %w", err)
		}
		return nil
	}

	device.AssetLink = nil
	removeDeviceLink(&asset, deviceDocID)
	if err := m.writePair(ctx, engineID, &device, &asset); err != nil {
		return err
	}
	linkTransitions.Add(ctx, 1, transitionAttr(engineID, "unlink"))

	payload := linkEventPayload(deviceDocID, assetDocID, nil)
	return m.History.Add(ctx, engineID, []HistoryEvent{
		NewHistoryEvent(deviceDocID, HistoryUnlink, payload),
		NewHistoryEvent(assetDocID, HistoryUnlink, payload),
	})
}

// lockAndLoadPair acquires the device lock then the asset lock and loads both
// twins, verifying they belong to the same tenant.
func (m *LinkManager) lockAndLoadPair(ctx context.Context, engineID string, deviceID TwinID, assetDocID string) (device, asset *DigitalTwin, release func(), err error) {
	releaseDevice, err := m.Locks.Acquire(ctx, deviceID.LockKey())
	if err != nil {
		return nil, nil, nil, err
	}
	releaseAsset, err := m.Locks.Acquire(ctx, string(KindAsset)+":"+assetDocID)
	if err != nil {
		releaseDevice()
		return nil, nil, nil, err
	}
	release = func() {
		releaseAsset()
		releaseDevice()
	}

	var d, a DigitalTwin
	if err := m.Storage.Get(ctx, engineID, CollectionDevices, deviceID.DocumentID(), &d); err != nil {
		release()
		return nil, nil, nil, fmt.Errorf("load device twin: %w", err)
	}
	if err := m.Storage.Get(ctx, engineID, CollectionAssets, assetDocID, &a); err != nil {
		release()
		return nil, nil, nil, fmt.Errorf("load asset twin: %w", err)
	}
	if d.EngineID != a.EngineID {
		release()
		return nil, nil, nil, validationErrorf("device %q belongs to engine %q but asset %q belongs to engine %q",
			deviceID.DocumentID(), d.EngineID, assetDocID, a.EngineID)
	}
	return &d, &a, release, nil
}

// resolveMappings validates the request's explicit mappings and expands the
// implicit ones.
func (m *LinkManager) resolveMappings(device, asset *DigitalTwin, req LinkRequest) ([]SlotMapping, error) {
	deviceDocID := device.ID().DocumentID()
	mappings := make([]SlotMapping, 0, len(req.MeasureSlots))
	explicit := make(map[string]bool, len(req.MeasureSlots))
	for _, mapping := range req.MeasureSlots {
		explicit[mapping.Device] = true
	}

	// taken tracks asset slots already spoken for from this device's point of
	// view: mappings retained from the existing link plus mappings accepted
	// earlier in this request. Checking only the persisted asset document
	// would let a single request bind two device slots onto one asset slot.
	taken := make(map[string]bool)
	existing := existingMappings(device, req.AssetID)
	for _, mapping := range existing {
		if !explicit[mapping.Device] {
			taken[mapping.Asset] = true
		}
	}

	for _, mapping := range req.MeasureSlots {
		deviceSlot, ok := device.Slot(mapping.Device)
		if !ok {
			return nil, validationErrorf("device %q declares no measure slot %q", deviceDocID, mapping.Device)
		}
		assetSlot, ok := asset.Slot(mapping.Asset)
		if !ok {
			return nil, validationErrorf("asset %q declares no measure slot %q", req.AssetID, mapping.Asset)
		}
		if deviceSlot.Type != assetSlot.Type {
			return nil, validationErrorf("cannot map device slot %q (%s) onto asset slot %q (%s): measure types differ",
				mapping.Device, deviceSlot.Type, mapping.Asset, assetSlot.Type)
		}
		if claimant, claimed := asset.SlotClaimedBy(mapping.Asset); claimed && claimant != deviceDocID {
			return nil, ConflictError{Message: fmt.Sprintf("asset slot %q is already claimed by device %q", mapping.Asset, claimant)}
		}
		if taken[mapping.Asset] {
			return nil, ConflictError{Message: fmt.Sprintf("asset slot %q is mapped more than once by device %q", mapping.Asset, deviceDocID)}
		}
		taken[mapping.Asset] = true
		mappings = append(mappings, mapping)
	}

	if req.ImplicitSlotLinking {
		mapped := make(map[string]bool, len(existing))
		for _, mapping := range existing {
			mapped[mapping.Device] = true
		}
		for _, deviceSlot := range device.MeasureSlots {
			// Implicit linking only binds device slots that are otherwise
			// unbound; it never retargets an existing or explicit mapping.
			if explicit[deviceSlot.Name] || mapped[deviceSlot.Name] {
				continue
			}
			assetSlot, ok := asset.Slot(deviceSlot.Name)
			if !ok || assetSlot.Type != deviceSlot.Type {
				continue
			}
			if claimant, claimed := asset.SlotClaimedBy(deviceSlot.Name); claimed && claimant != deviceDocID {
				continue
			}
			if taken[deviceSlot.Name] {
				continue
			}
			taken[deviceSlot.Name] = true
			mappings = append(mappings, SlotMapping{Device: deviceSlot.Name, Asset: deviceSlot.Name})
		}
	}
	return mappings, nil
}

// remainingMappings applies an unlink request to the current mapping list.
func remainingMappings(current []SlotMapping, req UnlinkRequest) ([]SlotMapping, error) {
	if req.AllMeasures {
		return nil, nil
	}
	drop := make(map[string]bool, len(req.MeasureSlots))
	for _, name := range req.MeasureSlots {
		found := false
		for _, mapping := range current {
			if mapping.Device == name {
				found = true
				break
			}
		}
		if !found {
			return nil, validationErrorf("no linked mapping for device slot %q", name)
		}
		drop[name] = true
	}
	var remaining []SlotMapping
	for _, mapping := range current {
		if !drop[mapping.Device] {
			remaining = append(remaining, mapping)
		}
	}
	return remaining, nil
}

// existingMappings returns the device's current mappings towards the given
// asset, or nil for a first-time link.
func existingMappings(device *DigitalTwin, assetDocID string) []SlotMapping {
	if device.AssetLink == nil || device.AssetLink.AssetID != assetDocID {
		return nil
	}
	return device.AssetLink.Slots
}

// mergeMappings unions the current and incoming mapping lists. An incoming
// mapping for a device slot that is already mapped replaces the old mapping,
// which lets a re-entrant link retarget a slot without an unlink in between.
func mergeMappings(current, incoming []SlotMapping) []SlotMapping {
	merged := make([]SlotMapping, 0, len(current)+len(incoming))
	replaced := make(map[string]bool, len(incoming))
	for _, mapping := range incoming {
		replaced[mapping.Device] = true
	}
	for _, mapping := range current {
		if !replaced[mapping.Device] {
			merged = append(merged, mapping)
		}
	}
	return append(merged, incoming...)
}

// setDeviceLink replaces (or appends) the asset-side entry for the device.
func setDeviceLink(asset *DigitalTwin, deviceDocID string, mappings []SlotMapping) {
	for i, link := range asset.DeviceLinks {
		if link.DeviceID == deviceDocID {
			asset.DeviceLinks[i].Slots = mappings
			return
		}
	}
	asset.DeviceLinks = append(asset.DeviceLinks, DeviceLink{DeviceID: deviceDocID, Slots: mappings})
}

// removeDeviceLink drops the asset-side entry for the device.
func removeDeviceLink(asset *DigitalTwin, deviceDocID string) {
	for i, link := range asset.DeviceLinks {
		if link.DeviceID == deviceDocID {
			asset.DeviceLinks = append(asset.DeviceLinks[:i], asset.DeviceLinks[i+1:]...)
			return
		}
	}
}

// writePair persists the mirrored link change, device document first. The two
// writes are not atomic; should the second fail, the device side is
// authoritative because measurement routing reads only the device document.
func (m *LinkManager) writePair(ctx context.Context, engineID string, device, asset *DigitalTwin) error {
	if err := m.Storage.Update(ctx, engineID, CollectionDevices, device.ID().DocumentID(), device); err != nil {
		return fmt.Errorf("update device twin: %w", err)
	}
	if err := m.Storage.Update(ctx, engineID, CollectionAssets, asset.ID().DocumentID(), asset); err != nil {
		return fmt.Errorf("update asset twin: %w", err)
	}
	return nil
}

func linkEventPayload(deviceDocID, assetDocID string, mappings []SlotMapping) map[string]any {
	slots := make([]map[string]any, len(mappings))
	for i, mapping := range mappings {
		slots[i] = map[string]any{"device": mapping.Device, "asset": mapping.Asset}
	}
	return map[string]any{
		"deviceId": deviceDocID,
		"assetId":  assetDocID,
		"slots":    slots,
	}
}
