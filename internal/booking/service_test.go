package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/slot-scheduling/internal/config"
	"github.com/clinicdesk/slot-scheduling/internal/doctor"
	"github.com/clinicdesk/slot-scheduling/internal/notify"
	redisclient "github.com/clinicdesk/slot-scheduling/internal/redis"
	"github.com/clinicdesk/slot-scheduling/internal/schedule"
)

var (
	testClinic = uuid.MustParse("3f1c0ee5-42ab-4bb1-b1a4-000000000001")
	testDate   = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday
)

const testDoctorName = "Dr. Mehta"

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC)
}

// fakeRepo is an in-memory Repository. A single transaction mutex stands in
// for serializable isolation: transactions run one at a time, which is
// exactly the interleaving the retry protocol must survive.
type fakeRepo struct {
	mu   sync.Mutex
	txMu sync.Mutex

	appts        map[uuid.UUID]*Appointment
	reservations map[string]SlotReservation
	counters     map[string]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		appts:        make(map[uuid.UUID]*Appointment),
		reservations: make(map[string]SlotReservation),
		counters:     make(map[string]int),
	}
}

func resKey(key DayKey, slotIndex int) string {
	return fmt.Sprintf("%s/%s/%s/%d", key.ClinicID, key.DoctorName, key.Date.Format("2006-01-02"), slotIndex)
}

func (r *fakeRepo) matchesDay(a *Appointment, key DayKey) bool {
	return a.ClinicID == key.ClinicID &&
		a.DoctorName == key.DoctorName &&
		a.Date.Format("2006-01-02") == key.Date.Format("2006-01-02")
}

func (r *fakeRepo) ListDayAppointments(_ context.Context, key DayKey) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appts {
		if r.matchesDay(a, key) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SlotIndex != out[j].SlotIndex {
			return out[i].SlotIndex < out[j].SlotIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *fakeRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) GetActiveAppointmentAtSlot(_ context.Context, key DayKey, slotIndex int) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.appts {
		if r.matchesDay(a, key) && a.SlotIndex == slotIndex && a.Status.Active() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (r *fakeRepo) GetReservation(_ context.Context, key DayKey, slotIndex int) (*SlotReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[resKey(key, slotIndex)]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (r *fakeRepo) UpsertReservation(_ context.Context, res SlotReservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := DayKey{ClinicID: res.ClinicID, DoctorName: res.DoctorName, Date: res.Date}
	r.reservations[resKey(key, res.SlotIndex)] = res
	return nil
}

func (r *fakeRepo) DeleteReservation(_ context.Context, key DayKey, slotIndex int, holder uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := resKey(key, slotIndex)
	if res, ok := r.reservations[k]; ok && res.HolderToken == holder && res.Status == ReservationReserved {
		delete(r.reservations, k)
	}
	return nil
}

func (r *fakeRepo) InsertAppointment(_ context.Context, appt *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	if appt.Status.Active() {
		for _, a := range r.appts {
			if r.matchesDay(a, DayKey{ClinicID: appt.ClinicID, DoctorName: appt.DoctorName, Date: appt.Date}) &&
				a.SlotIndex == appt.SlotIndex && a.Status.Active() {
				return fmt.Errorf("unique violation: slot %d already active", appt.SlotIndex)
			}
		}
	}
	cp := *appt
	cp.CreatedAt = time.Now()
	r.appts[cp.ID] = &cp
	return nil
}

func (r *fakeRepo) ApplyShift(_ context.Context, id uuid.UUID, newSlotIndex int, newTime time.Time, newNoShowTime *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.SlotIndex = newSlotIndex
	a.Time = newTime
	a.NoShowTime = newNoShowTime
	return nil
}

func (r *fakeRepo) ApplyToken(_ context.Context, id uuid.UUID, numericToken int, tokenNumber string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.NumericToken = numericToken
	a.TokenNumber = tokenNumber
	return nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to schedule.Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	cp := *a
	return &cp, nil
}

func (r *fakeRepo) MarkDisplacedByBreak(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.Status = schedule.StatusCompleted
	a.CancelledByBreak = true
	a.BookedVia = schedule.KindBreakBlock
	return nil
}

func (r *fakeRepo) NextWalkInCounter(_ context.Context, key DayKey) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := resKey(key, -1)
	r.counters[k]++
	return r.counters[k], nil
}

func (r *fakeRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(ctx, r)
}

func (r *fakeRepo) IsConflict(error) bool { return false }

func (r *fakeRepo) DeleteStaleReservations(_ context.Context, reservedBefore, bookedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for k, res := range r.reservations {
		cut := reservedBefore
		if res.Status == ReservationBooked {
			cut = bookedBefore
		}
		if res.ReservedAt.Before(cut) {
			delete(r.reservations, k)
			deleted++
		}
	}
	return deleted, nil
}

type fakeDoctors struct {
	mu       sync.Mutex
	profiles map[string]*doctor.Profile
	breaks   []doctor.Break
}

func newFakeDoctors(spacing int) *fakeDoctors {
	d := doctor.Doctor{
		ID:                uuid.New(),
		ClinicID:          testClinic,
		Name:              testDoctorName,
		AvgConsultMinutes: 15,
		WalkInSpacing:     spacing,
	}
	return &fakeDoctors{
		profiles: map[string]*doctor.Profile{
			testDoctorName: {
				Doctor: d,
				Sessions: []doctor.WeeklySession{
					{DoctorID: d.ID, Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 10 * 60},
				},
			},
		},
	}
}

func (f *fakeDoctors) GetProfile(_ context.Context, clinicID uuid.UUID, name string, _ time.Time) (*doctor.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.profiles[name]
	if !ok || p.Doctor.ClinicID != clinicID {
		return nil, doctor.ErrDoctorNotFound
	}
	cp := *p
	cp.Breaks = append([]doctor.Break(nil), f.breaks...)
	return &cp, nil
}

func (f *fakeDoctors) InsertBreak(_ context.Context, brk doctor.Break) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks = append(f.breaks, brk)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		ReservationTTL:       30 * time.Second,
		BookedReservationTTL: 5 * time.Minute,
		SameDayCutoff:        time.Hour,
		WalkInReservePct:     0.15,
		MaxTxAttempts:        5,
		DefaultSlotMinutes:   15,
		WalkInTokenBase:      100,
		NoShowGrace:          10 * time.Minute,
		ArriveByLead:         10 * time.Minute,
	}
}

func newTestService(repo *fakeRepo, docs *fakeDoctors, now time.Time) *Service {
	svc := NewService(repo, docs, redisclient.NoopLocker{}, notify.NoopDispatcher{}, testConfig(), zap.NewNop())
	svc.now = func() time.Time { return now }
	return svc
}

func advanceReq() BookingRequest {
	return BookingRequest{
		ClinicID:   testClinic,
		DoctorName: testDoctorName,
		Date:       testDate,
		Kind:       schedule.KindAdvance,
	}
}

func walkInReq() BookingRequest {
	r := advanceReq()
	r.Kind = schedule.KindWalkIn
	return r
}

func TestAdvanceBookingFirstSlotAndToken(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeDoctors(0), at(8, 0))

	res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One hour ahead of a 09:00 slot is exactly at the cutoff boundary.
	if res.SlotIndex != 0 || res.TokenNumber != "A001" || res.NumericToken != 1 {
		t.Errorf("result = %+v, want slot 0 / A001", res)
	}
	if !res.Time.Equal(at(9, 0)) {
		t.Errorf("time = %v, want 09:00", res.Time)
	}
	if !res.ArriveBy.Equal(at(8, 50)) {
		t.Errorf("arrive by = %v, want 08:50", res.ArriveBy)
	}

	appt, err := repo.GetAppointmentByID(context.Background(), res.AppointmentID)
	if err != nil {
		t.Fatalf("appointment not persisted: %v", err)
	}
	if appt.Status != schedule.StatusPending || appt.BookedVia != schedule.KindAdvance {
		t.Errorf("appointment = %+v, want Pending advance booking", appt)
	}
	if appt.NoShowTime == nil || !appt.NoShowTime.Equal(at(9, 10)) {
		t.Errorf("no-show time = %v, want 09:10", appt.NoShowTime)
	}

	key := DayKey{ClinicID: testClinic, DoctorName: testDoctorName, Date: testDate}
	reservation, err := repo.GetReservation(context.Background(), key, 0)
	if err != nil || reservation == nil {
		t.Fatalf("reservation missing: %v", err)
	}
	if reservation.Status != ReservationBooked {
		t.Errorf("reservation status = %s, want booked", reservation.Status)
	}

	res2, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
	if err != nil {
		t.Fatalf("second booking: %v", err)
	}
	if res2.SlotIndex != 1 || res2.TokenNumber != "A002" {
		t.Errorf("second result = %+v, want slot 1 / A002", res2)
	}
}

func TestAdvanceBookingPreferredSlot(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeDoctors(0), at(8, 0))

	req := advanceReq()
	preferred := 2
	req.PreferredSlot = &preferred

	res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SlotIndex != 2 || res.TokenNumber != "A003" {
		t.Errorf("result = %+v, want slot 2 / A003", res)
	}
}

func TestAdvanceBookingCapacityExceeded(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeDoctors(0), at(8, 0))

	// Four slots, 15% trailing reserve leaves an advance quota of three.
	for i := 0; i < 3; i++ {
		if _, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq()); err != nil {
			t.Fatalf("booking %d: %v", i, err)
		}
	}

	_, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestWalkInTakesReservedTail(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeDoctors(0), at(8, 0))

	for i := 0; i < 3; i++ {
		if _, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq()); err != nil {
			t.Fatalf("seed booking %d: %v", i, err)
		}
	}

	res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), walkInReq())
	if err != nil {
		t.Fatalf("walk-in: %v", err)
	}
	if res.SlotIndex != 3 || res.TokenNumber != "W101" {
		t.Errorf("result = %+v, want slot 3 / W101", res)
	}

	appt, err := repo.GetAppointmentByID(context.Background(), res.AppointmentID)
	if err != nil {
		t.Fatalf("appointment not persisted: %v", err)
	}
	if appt.Status != schedule.StatusConfirmed {
		t.Errorf("walk-in status = %s, want Confirmed", appt.Status)
	}
}

func TestWalkInOverflowOnFullDay(t *testing.T) {
	repo := newFakeRepo()
	docs := newFakeDoctors(0)
	svc := newTestService(repo, docs, at(9, 5))

	// Fully booked grid, no cancellations.
	for i := 0; i < 4; i++ {
		seed := &Appointment{
			ClinicID:     testClinic,
			DoctorName:   testDoctorName,
			Date:         testDate,
			Time:         at(9, 15*i),
			SlotIndex:    i,
			BookedVia:    schedule.KindAdvance,
			Status:       schedule.StatusConfirmed,
			NumericToken: i + 1,
			TokenNumber:  fmt.Sprintf("A%03d", i+1),
		}
		if err := repo.InsertAppointment(context.Background(), seed); err != nil {
			t.Fatalf("seed slot %d: %v", i, err)
		}
	}

	res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), walkInReq())
	if err != nil {
		t.Fatalf("walk-in: %v", err)
	}
	if res.SlotIndex != 4 || res.TokenNumber != "W101" {
		t.Errorf("result = %+v, want overflow slot 4 / W101", res)
	}
	if !res.Time.Equal(at(10, 0)) {
		t.Errorf("time = %v, want 10:00 (one slot past the last appointment)", res.Time)
	}

	// A second overflow with nothing wasted must be refused.
	_, err = svc.GenerateNextTokenAndReserveSlot(context.Background(), walkInReq())
	if !errors.Is(err, ErrNoAvailableSlot) {
		t.Errorf("expected ErrNoAvailableSlot, got %v", err)
	}
}

func TestStaleReservationIsOverridden(t *testing.T) {
	repo := newFakeRepo()
	now := at(8, 0)
	svc := newTestService(repo, newFakeDoctors(0), now)

	key := DayKey{ClinicID: testClinic, DoctorName: testDoctorName, Date: testDate}
	stale := SlotReservation{
		ClinicID:    testClinic,
		DoctorName:  testDoctorName,
		Date:        testDate,
		SlotIndex:   0,
		HolderToken: uuid.New(),
		Status:      ReservationReserved,
		ReservedAt:  now.Add(-2 * time.Minute),
	}
	if err := repo.UpsertReservation(context.Background(), stale); err != nil {
		t.Fatal(err)
	}

	res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SlotIndex != 0 {
		t.Errorf("slot = %d, want the abandoned slot 0", res.SlotIndex)
	}

	reservation, err := repo.GetReservation(context.Background(), key, 0)
	if err != nil || reservation == nil {
		t.Fatalf("reservation missing: %v", err)
	}
	if reservation.HolderToken == stale.HolderToken {
		t.Error("stale holder should have been replaced")
	}
}

func TestFreshReservationDivertsToNextCandidate(t *testing.T) {
	repo := newFakeRepo()
	now := at(8, 0)
	svc := newTestService(repo, newFakeDoctors(0), now)

	fresh := SlotReservation{
		ClinicID:    testClinic,
		DoctorName:  testDoctorName,
		Date:        testDate,
		SlotIndex:   0,
		HolderToken: uuid.New(),
		Status:      ReservationReserved,
		ReservedAt:  now.Add(-5 * time.Second),
	}
	if err := repo.UpsertReservation(context.Background(), fresh); err != nil {
		t.Fatal(err)
	}

	res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SlotIndex != 1 || res.TokenNumber != "A002" {
		t.Errorf("result = %+v, want the next candidate, slot 1 / A002", res)
	}
}

func TestConcurrentAdvanceBookingsUniqueSlots(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeDoctors(0), at(8, 0))

	const workers = 5
	results := make(chan *BookingResult, workers)
	failures := make(chan error, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
			if err != nil {
				failures <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(failures)

	seen := make(map[int]string)
	for res := range results {
		if prev, dup := seen[res.SlotIndex]; dup {
			t.Fatalf("slot %d won twice: %s and %s", res.SlotIndex, prev, res.TokenNumber)
		}
		seen[res.SlotIndex] = res.TokenNumber
	}
	if len(seen) != 3 {
		t.Errorf("winners = %v, want exactly the 3-slot advance quota", seen)
	}
	for err := range failures {
		if !errors.Is(err, ErrCapacityExceeded) && !errors.Is(err, ErrNoAvailableSlot) && !errors.Is(err, ErrBookingFailed) {
			t.Errorf("loser got unexpected error: %v", err)
		}
	}
}

func TestRetryExhaustionUnderPersistentContention(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeDoctors(0), at(8, 0))
	svc.locker = alwaysLockedLocker{}

	_, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
	if !errors.Is(err, ErrBookingFailed) {
		t.Errorf("expected ErrBookingFailed after exhausting retries, got %v", err)
	}
}

type alwaysLockedLocker struct{}

func (alwaysLockedLocker) WithSlotLock(context.Context, string, func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestDoctorUnavailable(t *testing.T) {
	repo := newFakeRepo()
	docs := newFakeDoctors(0)
	svc := newTestService(repo, docs, at(8, 0))

	req := advanceReq()
	req.DoctorName = "Dr. Nobody"
	if _, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), req); !errors.Is(err, ErrDoctorUnavailable) {
		t.Errorf("unknown doctor: expected ErrDoctorUnavailable, got %v", err)
	}

	docs.profiles[testDoctorName].Sessions = nil
	if _, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq()); !errors.Is(err, ErrDoctorUnavailable) {
		t.Errorf("no sessions: expected ErrDoctorUnavailable, got %v", err)
	}
}

func TestCancelAppointment(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeDoctors(0), at(8, 0))

	res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
	if err != nil {
		t.Fatalf("booking: %v", err)
	}

	cancelled, err := svc.CancelAppointment(context.Background(), res.AppointmentID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != schedule.StatusCancelled {
		t.Errorf("status = %s, want Cancelled", cancelled.Status)
	}

	if _, err := svc.CancelAppointment(context.Background(), res.AppointmentID); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("double cancel: expected ErrAppointmentNotFound, got %v", err)
	}
}

func TestRebalancePullsWalkInForward(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeDoctors(0), at(8, 0))

	var advances []*BookingResult
	for i := 0; i < 3; i++ {
		res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
		if err != nil {
			t.Fatalf("seed booking %d: %v", i, err)
		}
		advances = append(advances, res)
	}
	walkIn, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), walkInReq())
	if err != nil {
		t.Fatalf("walk-in: %v", err)
	}

	if _, err := svc.CancelAppointment(context.Background(), advances[1].AppointmentID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	moved, err := svc.RebalanceWalkInSchedule(context.Background(), testClinic, testDoctorName, testDate)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}

	appt, err := repo.GetAppointmentByID(context.Background(), walkIn.AppointmentID)
	if err != nil {
		t.Fatal(err)
	}
	if appt.SlotIndex != 1 || !appt.Time.Equal(at(9, 15)) {
		t.Errorf("walk-in now at slot %d time %v, want slot 1 at 09:15", appt.SlotIndex, appt.Time)
	}
	if appt.TokenNumber != "W101" {
		t.Errorf("walk-in token changed to %s on move", appt.TokenNumber)
	}

	moved, err = svc.RebalanceWalkInSchedule(context.Background(), testClinic, testDoctorName, testDate)
	if err != nil {
		t.Fatalf("second rebalance: %v", err)
	}
	if moved != 0 {
		t.Errorf("second rebalance moved %d, want 0", moved)
	}
}

func TestBreakReflowShiftsAndResequences(t *testing.T) {
	repo := newFakeRepo()
	docs := newFakeDoctors(0)
	svc := newTestService(repo, docs, at(8, 0))

	var booked []*BookingResult
	for i := 0; i < 3; i++ {
		res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
		if err != nil {
			t.Fatalf("seed booking %d: %v", i, err)
		}
		booked = append(booked, res)
	}

	err := svc.ShiftAppointmentsForNewBreak(context.Background(), testClinic, testDoctorName, testDate, schedule.BreakWindow{
		Start:    at(9, 15),
		Duration: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("break reflow: %v", err)
	}

	key := DayKey{ClinicID: testClinic, DoctorName: testDoctorName, Date: testDate}
	appts, err := repo.ListDayAppointments(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}

	bySlot := make(map[int]Appointment)
	for _, a := range appts {
		if a.Status.Active() {
			if _, dup := bySlot[a.SlotIndex]; dup {
				t.Fatalf("two active appointments at slot %d", a.SlotIndex)
			}
			bySlot[a.SlotIndex] = a
		}
	}

	// Slot 1's original is now an inert break block.
	orig, err := repo.GetAppointmentByID(context.Background(), booked[1].AppointmentID)
	if err != nil {
		t.Fatal(err)
	}
	if !orig.CancelledByBreak || orig.BookedVia != schedule.KindBreakBlock || orig.Status != schedule.StatusCompleted {
		t.Errorf("displaced original = %+v, want inert break block", orig)
	}

	// Its clone landed right after the window with the positional token for
	// its new home, and the booking behind it shifted by the dynamic amount.
	clone, ok := bySlot[2]
	if !ok {
		t.Fatal("no active appointment at slot 2")
	}
	if clone.ID == booked[1].AppointmentID {
		t.Error("displaced booking must be re-homed as a new document")
	}
	if clone.TokenNumber != "A003" || !clone.Time.Equal(at(9, 30)) {
		t.Errorf("clone = token %s at %v, want A003 at 09:30", clone.TokenNumber, clone.Time)
	}

	shifted, ok := bySlot[3]
	if !ok {
		t.Fatal("no active appointment at slot 3")
	}
	if shifted.ID != booked[2].AppointmentID || shifted.TokenNumber != "A004" {
		t.Errorf("shifted = %+v, want original third booking with token A004", shifted)
	}

	// First booking untouched.
	first := bySlot[0]
	if first.ID != booked[0].AppointmentID || first.TokenNumber != "A001" {
		t.Errorf("first booking changed: %+v", first)
	}

	if len(docs.breaks) != 1 {
		t.Fatalf("break not recorded: %v", docs.breaks)
	}
	if docs.breaks[0].DurationMinutes != 15 {
		t.Errorf("break duration = %d, want 15", docs.breaks[0].DurationMinutes)
	}
}

func TestBreakReflowEmptyWindowInsertsPlaceholders(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeDoctors(0), at(8, 0))

	err := svc.ShiftAppointmentsForNewBreak(context.Background(), testClinic, testDoctorName, testDate, schedule.BreakWindow{
		Start:    at(9, 30),
		Duration: 30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("break reflow: %v", err)
	}

	key := DayKey{ClinicID: testClinic, DoctorName: testDoctorName, Date: testDate}
	appts, err := repo.ListDayAppointments(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if len(appts) != 2 {
		t.Fatalf("expected 2 placeholders, got %d", len(appts))
	}
	for _, a := range appts {
		if a.BookedVia != schedule.KindBreakBlock || a.TokenNumber != "BRK" {
			t.Errorf("placeholder = %+v, want BRK break block", a)
		}
		if a.SlotIndex != 2 && a.SlotIndex != 3 {
			t.Errorf("placeholder at slot %d, want 2 or 3", a.SlotIndex)
		}
	}

	// The blocked slots are out of the future pool: two remain, the trailing
	// reserve keeps one, so a single advance booking exhausts the quota.
	res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
	if err != nil {
		t.Fatalf("booking: %v", err)
	}
	if res.SlotIndex != 0 {
		t.Errorf("slot = %d, want 0", res.SlotIndex)
	}
	if _, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq()); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded with half the day blocked, got %v", err)
	}
}

func TestBreakReflowShiftsAroundEarlierBreakBlock(t *testing.T) {
	repo := newFakeRepo()
	docs := newFakeDoctors(0)
	svc := newTestService(repo, docs, at(8, 0))

	var booked []*BookingResult
	for i := 0; i < 3; i++ {
		res, err := svc.GenerateNextTokenAndReserveSlot(context.Background(), advanceReq())
		if err != nil {
			t.Fatalf("seed booking %d: %v", i, err)
		}
		booked = append(booked, res)
	}

	// First break takes the empty slot 3, leaving its placeholder there.
	err := svc.ShiftAppointmentsForNewBreak(context.Background(), testClinic, testDoctorName, testDate, schedule.BreakWindow{
		Start:    at(9, 45),
		Duration: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("first break: %v", err)
	}

	// Second break displaces slot 1; the booking behind it must be shifted
	// past the placeholder on 3, never onto it.
	err = svc.ShiftAppointmentsForNewBreak(context.Background(), testClinic, testDoctorName, testDate, schedule.BreakWindow{
		Start:    at(9, 15),
		Duration: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("second break: %v", err)
	}

	key := DayKey{ClinicID: testClinic, DoctorName: testDoctorName, Date: testDate}
	appts, err := repo.ListDayAppointments(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}

	bySlot := make(map[int]Appointment)
	for _, a := range appts {
		if a.Status.Active() {
			if _, dup := bySlot[a.SlotIndex]; dup {
				t.Fatalf("two active appointments at slot %d", a.SlotIndex)
			}
			bySlot[a.SlotIndex] = a
		}
	}

	if block, ok := bySlot[3]; !ok || block.BookedVia != schedule.KindBreakBlock {
		t.Fatalf("slot 3 = %+v, want the first break's placeholder", block)
	}
	shifted, ok := bySlot[4]
	if !ok || shifted.ID != booked[2].AppointmentID {
		t.Errorf("slot 4 = %+v, want the third booking shifted past the placeholder", shifted)
	}
	clone, ok := bySlot[2]
	if !ok || clone.ID == booked[1].AppointmentID || clone.TokenNumber != "A003" {
		t.Errorf("slot 2 = %+v, want the displaced booking's re-homed clone", clone)
	}
}

func TestBreakOverlapRejected(t *testing.T) {
	repo := newFakeRepo()
	docs := newFakeDoctors(0)
	svc := newTestService(repo, docs, at(8, 0))

	err := svc.ShiftAppointmentsForNewBreak(context.Background(), testClinic, testDoctorName, testDate, schedule.BreakWindow{
		Start:    at(9, 15),
		Duration: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("first break: %v", err)
	}

	err = svc.ShiftAppointmentsForNewBreak(context.Background(), testClinic, testDoctorName, testDate, schedule.BreakWindow{
		Start:    at(9, 20),
		Duration: 15 * time.Minute,
	})
	if !errors.Is(err, ErrBreakOverlap) {
		t.Fatalf("overlapping break: got %v, want ErrBreakOverlap", err)
	}

	// Windows are end-exclusive, so a break starting exactly at the previous
	// end is fine.
	err = svc.ShiftAppointmentsForNewBreak(context.Background(), testClinic, testDoctorName, testDate, schedule.BreakWindow{
		Start:    at(9, 30),
		Duration: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("adjacent break: %v", err)
	}
	if len(docs.breaks) != 2 {
		t.Errorf("recorded breaks = %d, want 2", len(docs.breaks))
	}
}

func TestExpireStaleReservations(t *testing.T) {
	repo := newFakeRepo()
	now := at(12, 0)
	svc := newTestService(repo, newFakeDoctors(0), now)

	mk := func(slot int, status ReservationStatus, age time.Duration) SlotReservation {
		return SlotReservation{
			ClinicID:    testClinic,
			DoctorName:  testDoctorName,
			Date:        testDate,
			SlotIndex:   slot,
			HolderToken: uuid.New(),
			Status:      status,
			ReservedAt:  now.Add(-age),
		}
	}
	for _, res := range []SlotReservation{
		mk(0, ReservationReserved, 2*time.Minute), // stale
		mk(1, ReservationReserved, 5*time.Second), // fresh
		mk(2, ReservationBooked, 10*time.Minute),  // stale
		mk(3, ReservationBooked, time.Minute),     // fresh
	} {
		if err := repo.UpsertReservation(context.Background(), res); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := svc.ExpireStaleReservations(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
}
