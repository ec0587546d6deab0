package backend_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/mwantia/pacsindex/backend"
	"github.com/mwantia/pacsindex/backend/memory"
	"github.com/mwantia/pacsindex/backend/postgres"
	"github.com/mwantia/pacsindex/backend/sqlite"
	"github.com/mwantia/pacsindex/data"
)

// TestBackendFactory creates a new backend instance for testing.
type TestBackendFactory func(t *testing.T) (backend.Backend, error)

// GetTestBackendFactories returns all backend implementations to test.
// The postgres backend only runs when PACSINDEX_POSTGRES_URL points at a
// throwaway database.
func GetTestBackendFactories() map[string]TestBackendFactory {
	return map[string]TestBackendFactory{
		"memory": func(t *testing.T) (backend.Backend, error) {
			return memory.NewMemoryBackend(), nil
		},
		"sqlite": func(t *testing.T) (backend.Backend, error) {
			return sqlite.NewSQLiteBackend(":memory:"), nil
		},
		"postgres": func(t *testing.T) (backend.Backend, error) {
			url := os.Getenv("PACSINDEX_POSTGRES_URL")
			if url == "" {
				t.Skip("PACSINDEX_POSTGRES_URL not set")
			}
			return postgres.NewPostgresBackend(url), nil
		},
	}
}

func openBackend(t *testing.T, factory TestBackendFactory) backend.Backend {
	t.Helper()

	b, err := factory(t)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		b.Close(context.Background())
	})

	return b
}

// write runs fn in a committed write transaction.
func write(t *testing.T, b backend.Backend, fn func(tx backend.Transaction)) {
	t.Helper()

	ctx := context.Background()
	tx, err := b.Begin(ctx, true)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	fn(tx)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

// read runs fn in a rolled-back read transaction.
func read(t *testing.T, b backend.Backend, fn func(tx backend.Transaction)) {
	t.Helper()

	ctx := context.Background()
	tx, err := b.Begin(ctx, false)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	fn(tx)
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
}

// createChain registers one full patient/study/series/instance chain.
func createChain(t *testing.T, tx backend.Transaction, prefix string) *data.CreateInstanceResult {
	t.Helper()

	result, err := tx.CreateInstance(context.Background(), data.InstanceHashes{
		Patient:  prefix + "-patient",
		Study:    prefix + "-study",
		Series:   prefix + "-series",
		Instance: prefix + "-instance",
	})
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	return result
}

func TestAllBackends_Hierarchy(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			var patientID, studyID int64
			write(tst, b, func(tx backend.Transaction) {
				var err error
				if patientID, err = tx.CreateResource(ctx, "patient-a", data.LevelPatient); err != nil {
					tst.Fatalf("CreateResource failed: %v", err)
				}
				if studyID, err = tx.CreateResource(ctx, "study-a", data.LevelStudy); err != nil {
					tst.Fatalf("CreateResource failed: %v", err)
				}
				if err = tx.AttachChild(ctx, patientID, studyID); err != nil {
					tst.Fatalf("AttachChild failed: %v", err)
				}

				if _, err = tx.CreateResource(ctx, "patient-a", data.LevelPatient); !errors.Is(err, data.ErrDuplicateResource) {
					tst.Errorf("Expected ErrDuplicateResource, got %v", err)
				}
			})

			read(tst, b, func(tx backend.Transaction) {
				id, level, found, err := tx.LookupResource(ctx, "study-a")
				if err != nil || !found {
					tst.Fatalf("LookupResource failed: found=%v err=%v", found, err)
				}
				if id != studyID || level != data.LevelStudy {
					tst.Errorf("Expected (%d, Study), got (%d, %s)", studyID, id, level)
				}

				parent, found, err := tx.LookupParent(ctx, studyID)
				if err != nil || !found || parent != patientID {
					tst.Errorf("Expected parent %d, got %d (found=%v err=%v)", patientID, parent, found, err)
				}
				if _, found, err = tx.LookupParent(ctx, patientID); err != nil || found {
					tst.Errorf("Patient must have no parent, found=%v err=%v", found, err)
				}

				_, _, parentPublic, found, err := tx.LookupResourceAndParent(ctx, "study-a")
				if err != nil || !found || parentPublic != "patient-a" {
					tst.Errorf("Expected parent public id patient-a, got %q (found=%v err=%v)", parentPublic, found, err)
				}

				children, err := tx.GetChildrenPublicID(ctx, patientID)
				if err != nil || len(children) != 1 || children[0] != "study-a" {
					tst.Errorf("Expected children [study-a], got %v (err=%v)", children, err)
				}

				count, err := tx.GetResourcesCount(ctx, data.LevelPatient)
				if err != nil || count != 1 {
					tst.Errorf("Expected 1 patient, got %d (err=%v)", count, err)
				}

				if _, err := tx.GetPublicID(ctx, 99999); !errors.Is(err, data.ErrUnknownResource) {
					tst.Errorf("Expected ErrUnknownResource, got %v", err)
				}
			})
		})
	}
}

func TestAllBackends_CreateInstance(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			var first *data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				first = createChain(tst, tx, "ci")
			})

			for _, slot := range []data.Slot{first.Patient, first.Study, first.Series, first.Instance} {
				if !slot.IsNew {
					tst.Errorf("Expected every slot of a fresh chain to be new, got %+v", first)
				}
			}

			// The same instance again degrades to a lookup.
			var again *data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				again = createChain(tst, tx, "ci")
			})
			if again.Instance.IsNew || again.Series.IsNew || again.Study.IsNew || again.Patient.IsNew {
				tst.Errorf("Expected an idempotent lookup, got %+v", again)
			}
			if again.Instance.ID != first.Instance.ID || again.Patient.ID != first.Patient.ID {
				tst.Errorf("Expected stable ids, got %+v vs %+v", again, first)
			}

			// A sibling instance reuses the existing chain.
			var sibling *data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				var err error
				sibling, err = tx.CreateInstance(ctx, data.InstanceHashes{
					Patient:  "ci-patient",
					Study:    "ci-study",
					Series:   "ci-series",
					Instance: "ci-instance-2",
				})
				if err != nil {
					tst.Fatalf("CreateInstance failed: %v", err)
				}
			})
			if !sibling.Instance.IsNew || sibling.Series.IsNew || sibling.Study.IsNew || sibling.Patient.IsNew {
				tst.Errorf("Expected only the instance to be new, got %+v", sibling)
			}
			if sibling.Series.ID != first.Series.ID {
				tst.Errorf("Expected series reuse, got %d vs %d", sibling.Series.ID, first.Series.ID)
			}
		})
	}
}

func TestAllBackends_CascadeDelete(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			var chain, sibling *data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				chain = createChain(tst, tx, "del")
				var err error
				sibling, err = tx.CreateInstance(ctx, data.InstanceHashes{
					Patient:  "del-patient",
					Study:    "del-study",
					Series:   "del-series",
					Instance: "del-instance-2",
				})
				if err != nil {
					tst.Fatalf("CreateInstance failed: %v", err)
				}

				attachment := data.Attachment{UUID: "uuid-del-1", ContentType: 1, UncompressedSize: 10, CompressedSize: 10}
				if err := tx.AddAttachment(ctx, chain.Instance.ID, attachment, 0); err != nil {
					tst.Fatalf("AddAttachment failed: %v", err)
				}
			})

			var events *data.DeleteEvents
			write(tst, b, func(tx backend.Transaction) {
				var err error
				events, err = tx.DeleteResource(ctx, chain.Series.ID)
				if err != nil {
					tst.Fatalf("DeleteResource failed: %v", err)
				}
			})

			// Series plus both instances disappear.
			if len(events.Resources) != 3 {
				tst.Fatalf("Expected 3 deleted resources, got %v", events.Resources)
			}
			if len(events.Attachments) != 1 || events.Attachments[0].UUID != "uuid-del-1" {
				tst.Errorf("Expected attachment uuid-del-1 in events, got %v", events.Attachments)
			}
			if events.RemainingAncestor == nil ||
				events.RemainingAncestor.PublicID != "del-study" ||
				events.RemainingAncestor.Level != data.LevelStudy {
				tst.Errorf("Expected remaining ancestor del-study, got %+v", events.RemainingAncestor)
			}

			read(tst, b, func(tx backend.Transaction) {
				for _, publicID := range []string{"del-series", "del-instance", "del-instance-2"} {
					if _, _, found, err := tx.LookupResource(ctx, publicID); err != nil || found {
						tst.Errorf("Expected %s to be gone, found=%v err=%v", publicID, found, err)
					}
				}
				if _, _, found, err := tx.LookupResource(ctx, "del-study"); err != nil || !found {
					tst.Errorf("Expected del-study to survive, found=%v err=%v", found, err)
				}
			})

			// Deleting the root of the remaining tree reports no ancestor.
			write(tst, b, func(tx backend.Transaction) {
				events, err := tx.DeleteResource(ctx, sibling.Patient.ID)
				if err != nil {
					tst.Fatalf("DeleteResource failed: %v", err)
				}
				if events.RemainingAncestor != nil {
					tst.Errorf("Expected no remaining ancestor for a root delete, got %+v", events.RemainingAncestor)
				}
				if len(events.Resources) != 2 {
					tst.Errorf("Expected patient+study deletion, got %v", events.Resources)
				}
			})
		})
	}
}

func TestAllBackends_AttachOrderCascade(t *testing.T) {
	// The delete closure must cover the whole subtree no matter in which
	// order AttachChild assembled it.
	orders := map[string][][2]int{
		"top-down":  {{0, 1}, {1, 2}, {2, 3}},
		"bottom-up": {{2, 3}, {1, 2}, {0, 1}},
	}

	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			for orderName, order := range orders {
				tst.Run(orderName, func(tst *testing.T) {
					ctx := context.Background()
					b := openBackend(tst, factory)

					publicIDs := []string{
						orderName + "-patient",
						orderName + "-study",
						orderName + "-series",
						orderName + "-instance",
					}
					ids := make([]int64, len(publicIDs))
					write(tst, b, func(tx backend.Transaction) {
						for i, publicID := range publicIDs {
							var err error
							if ids[i], err = tx.CreateResource(ctx, publicID, data.ResourceLevel(i)); err != nil {
								tst.Fatalf("CreateResource failed: %v", err)
							}
						}
						for _, pair := range order {
							if err := tx.AttachChild(ctx, ids[pair[0]], ids[pair[1]]); err != nil {
								tst.Fatalf("AttachChild failed: %v", err)
							}
						}
					})

					var events *data.DeleteEvents
					write(tst, b, func(tx backend.Transaction) {
						var err error
						events, err = tx.DeleteResource(ctx, ids[0])
						if err != nil {
							tst.Fatalf("DeleteResource failed: %v", err)
						}
					})

					if len(events.Resources) != 4 {
						tst.Errorf("Expected the whole chain in events, got %v", events.Resources)
					}
					read(tst, b, func(tx backend.Transaction) {
						for i, id := range ids {
							exists, err := tx.IsExistingResource(ctx, id)
							if err != nil {
								tst.Fatalf("IsExistingResource failed: %v", err)
							}
							if exists {
								tst.Errorf("Expected %s to be gone after deleting its patient", publicIDs[i])
							}
						}
					})
				})
			}
		})
	}
}

func TestAllBackends_Attachments(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			var chain *data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				chain = createChain(tst, tx, "att")

				attachment := data.Attachment{
					UUID:             "uuid-att-1",
					ContentType:      1,
					UncompressedSize: 100,
					UncompressedHash: "md5-raw",
					CompressionType:  2,
					CompressedSize:   60,
					CompressedHash:   "md5-zip",
				}
				if err := tx.AddAttachment(ctx, chain.Instance.ID, attachment, 7); err != nil {
					tst.Fatalf("AddAttachment failed: %v", err)
				}
				if err := tx.AddAttachment(ctx, chain.Instance.ID, data.Attachment{UUID: "uuid-att-2", ContentType: 2, UncompressedSize: 40, CompressedSize: 40}, 0); err != nil {
					tst.Fatalf("AddAttachment failed: %v", err)
				}

				if err := tx.AddAttachment(ctx, 99999, data.Attachment{UUID: "x", ContentType: 1}, 0); !errors.Is(err, data.ErrUnknownResource) {
					tst.Errorf("Expected ErrUnknownResource, got %v", err)
				}
			})

			read(tst, b, func(tx backend.Transaction) {
				attachment, revision, found, err := tx.LookupAttachment(ctx, chain.Instance.ID, 1)
				if err != nil || !found {
					tst.Fatalf("LookupAttachment failed: found=%v err=%v", found, err)
				}
				if attachment.UUID != "uuid-att-1" || attachment.CompressedHash != "md5-zip" || revision != 7 {
					tst.Errorf("Unexpected attachment %+v revision %d", attachment, revision)
				}

				types, err := tx.ListAvailableAttachments(ctx, chain.Instance.ID)
				if err != nil || len(types) != 2 {
					tst.Errorf("Expected 2 attachment types, got %v (err=%v)", types, err)
				}

				compressed, err := tx.GetTotalCompressedSize(ctx)
				if err != nil || compressed != 100 {
					tst.Errorf("Expected total compressed 100, got %d (err=%v)", compressed, err)
				}
				uncompressed, err := tx.GetTotalUncompressedSize(ctx)
				if err != nil || uncompressed != 140 {
					tst.Errorf("Expected total uncompressed 140, got %d (err=%v)", uncompressed, err)
				}
			})

			write(tst, b, func(tx backend.Transaction) {
				deleted, err := tx.DeleteAttachment(ctx, chain.Instance.ID, 1)
				if err != nil {
					tst.Fatalf("DeleteAttachment failed: %v", err)
				}
				if deleted == nil || deleted.UUID != "uuid-att-1" {
					tst.Errorf("Expected deleted attachment uuid-att-1, got %+v", deleted)
				}

				missing, err := tx.DeleteAttachment(ctx, chain.Instance.ID, 1)
				if err != nil || missing != nil {
					tst.Errorf("Expected idempotent delete, got %+v (err=%v)", missing, err)
				}
			})
		})
	}
}

func TestAllBackends_Metadata(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			var chain *data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				chain = createChain(tst, tx, "md")

				if err := tx.SetMetadata(ctx, chain.Instance.ID, 4, "first", 1); err != nil {
					tst.Fatalf("SetMetadata failed: %v", err)
				}
				// Same type again replaces value and revision.
				if err := tx.SetMetadata(ctx, chain.Instance.ID, 4, "second", 2); err != nil {
					tst.Fatalf("SetMetadata failed: %v", err)
				}
				if err := tx.SetMetadata(ctx, chain.Instance.ID, 9, "other", 1); err != nil {
					tst.Fatalf("SetMetadata failed: %v", err)
				}
				if err := tx.SetMetadata(ctx, chain.Series.ID, 4, "series-level", 1); err != nil {
					tst.Fatalf("SetMetadata failed: %v", err)
				}
			})

			read(tst, b, func(tx backend.Transaction) {
				value, revision, found, err := tx.LookupMetadata(ctx, chain.Instance.ID, 4)
				if err != nil || !found || value != "second" || revision != 2 {
					tst.Errorf("Expected (second, 2), got (%q, %d, found=%v, err=%v)", value, revision, found, err)
				}

				types, err := tx.ListAvailableMetadata(ctx, chain.Instance.ID)
				if err != nil || len(types) != 2 {
					tst.Errorf("Expected 2 metadata types, got %v (err=%v)", types, err)
				}

				all, err := tx.GetAllMetadata(ctx, chain.Instance.ID)
				if err != nil || all[4] != "second" || all[9] != "other" {
					tst.Errorf("Unexpected metadata map %v (err=%v)", all, err)
				}

				children, err := tx.GetChildrenMetadata(ctx, chain.Series.ID, 4)
				if err != nil || len(children) != 1 || children[0] != "second" {
					tst.Errorf("Expected children metadata [second], got %v (err=%v)", children, err)
				}
			})

			write(tst, b, func(tx backend.Transaction) {
				if err := tx.DeleteMetadata(ctx, chain.Instance.ID, 4); err != nil {
					tst.Fatalf("DeleteMetadata failed: %v", err)
				}
			})
			read(tst, b, func(tx backend.Transaction) {
				if _, _, found, err := tx.LookupMetadata(ctx, chain.Instance.ID, 4); err != nil || found {
					tst.Errorf("Expected metadata 4 to be gone, found=%v err=%v", found, err)
				}
			})
		})
	}
}

func TestAllBackends_ChangeLog(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			var chain *data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				chain = createChain(tst, tx, "ch")
				for i := 0; i < 5; i++ {
					date := fmt.Sprintf("2024010%d", i+1)
					if err := tx.LogChange(ctx, int32(i), chain.Instance.ID, data.LevelInstance, date); err != nil {
						tst.Fatalf("LogChange failed: %v", err)
					}
				}
			})

			read(tst, b, func(tx backend.Transaction) {
				changes, done, err := tx.GetChanges(ctx, 0, 3)
				if err != nil {
					tst.Fatalf("GetChanges failed: %v", err)
				}
				if len(changes) != 3 || done {
					tst.Fatalf("Expected 3 changes and more pending, got %d done=%v", len(changes), done)
				}
				for i, change := range changes {
					if change.Seq != int64(i+1) {
						tst.Errorf("Expected seq %d, got %d", i+1, change.Seq)
					}
					if change.PublicID != "ch-instance" {
						tst.Errorf("Expected public id ch-instance, got %q", change.PublicID)
					}
				}

				// Cursor continues where the first page stopped.
				changes, done, err = tx.GetChanges(ctx, changes[len(changes)-1].Seq, 10)
				if err != nil || len(changes) != 2 || !done {
					tst.Errorf("Expected final page of 2, got %d done=%v err=%v", len(changes), done, err)
				}

				last, found, err := tx.GetLastChange(ctx)
				if err != nil || !found || last.Seq != 5 {
					tst.Errorf("Expected last change seq 5, got %+v (found=%v err=%v)", last, found, err)
				}
			})

			write(tst, b, func(tx backend.Transaction) {
				if err := tx.ClearChanges(ctx); err != nil {
					tst.Fatalf("ClearChanges failed: %v", err)
				}
			})
			read(tst, b, func(tx backend.Transaction) {
				if _, found, err := tx.GetLastChange(ctx); err != nil || found {
					tst.Errorf("Expected empty change log, found=%v err=%v", found, err)
				}
			})
		})
	}
}

func TestAllBackends_ExportLog(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			write(tst, b, func(tx backend.Transaction) {
				for i := 0; i < 3; i++ {
					exported := data.ExportedResource{
						Level:    data.LevelStudy,
						PublicID: fmt.Sprintf("exp-study-%d", i),
						Modality: "CT",
						Date:     "20240101",
						StudyUID: fmt.Sprintf("1.2.3.%d", i),
					}
					if err := tx.LogExportedResource(ctx, exported); err != nil {
						tst.Fatalf("LogExportedResource failed: %v", err)
					}
				}
			})

			read(tst, b, func(tx backend.Transaction) {
				exported, done, err := tx.GetExportedResources(ctx, 0, 2)
				if err != nil || len(exported) != 2 || done {
					tst.Fatalf("Expected first page of 2, got %d done=%v err=%v", len(exported), done, err)
				}
				if exported[0].PublicID != "exp-study-0" || exported[0].Seq != 1 {
					tst.Errorf("Unexpected first entry %+v", exported[0])
				}

				exported, done, err = tx.GetExportedResources(ctx, 2, 2)
				if err != nil || len(exported) != 1 || !done {
					tst.Errorf("Expected final page of 1, got %d done=%v err=%v", len(exported), done, err)
				}

				last, found, err := tx.GetLastExportedResource(ctx)
				if err != nil || !found || last.PublicID != "exp-study-2" {
					tst.Errorf("Unexpected last export %+v (found=%v err=%v)", last, found, err)
				}
			})

			write(tst, b, func(tx backend.Transaction) {
				if err := tx.ClearExportedResources(ctx); err != nil {
					tst.Fatalf("ClearExportedResources failed: %v", err)
				}
			})
			read(tst, b, func(tx backend.Transaction) {
				if _, found, err := tx.GetLastExportedResource(ctx); err != nil || found {
					tst.Errorf("Expected empty export log, found=%v err=%v", found, err)
				}
			})
		})
	}
}

func TestAllBackends_Properties(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			write(tst, b, func(tx backend.Transaction) {
				if err := tx.SetGlobalProperty(ctx, "", 10, "global-value"); err != nil {
					tst.Fatalf("SetGlobalProperty failed: %v", err)
				}
				if err := tx.SetGlobalProperty(ctx, "server-a", 10, "scoped-value"); err != nil {
					tst.Fatalf("SetGlobalProperty failed: %v", err)
				}
				// Overwrite keeps one value per scope.
				if err := tx.SetGlobalProperty(ctx, "", 10, "global-value-2"); err != nil {
					tst.Fatalf("SetGlobalProperty failed: %v", err)
				}
			})

			read(tst, b, func(tx backend.Transaction) {
				value, found, err := tx.LookupGlobalProperty(ctx, "", 10)
				if err != nil || !found || value != "global-value-2" {
					tst.Errorf("Expected global-value-2, got %q (found=%v err=%v)", value, found, err)
				}
				value, found, err = tx.LookupGlobalProperty(ctx, "server-a", 10)
				if err != nil || !found || value != "scoped-value" {
					tst.Errorf("Expected scoped-value, got %q (found=%v err=%v)", value, found, err)
				}
				if _, found, err = tx.LookupGlobalProperty(ctx, "server-b", 10); err != nil || found {
					tst.Errorf("Expected miss for server-b, found=%v err=%v", found, err)
				}
			})
		})
	}
}

func TestAllBackends_PatientRecycling(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			var chains [3]*data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				for i := range chains {
					chains[i] = createChain(tst, tx, fmt.Sprintf("rec%d", i))
				}
			})

			read(tst, b, func(tx backend.Transaction) {
				// Oldest patient first.
				id, found, err := tx.SelectPatientToRecycle(ctx, -1)
				if err != nil || !found || id != chains[0].Patient.ID {
					tst.Errorf("Expected oldest patient %d, got %d (found=%v err=%v)", chains[0].Patient.ID, id, found, err)
				}

				// Avoiding the oldest yields the second oldest.
				id, found, err = tx.SelectPatientToRecycle(ctx, chains[0].Patient.ID)
				if err != nil || !found || id != chains[1].Patient.ID {
					tst.Errorf("Expected patient %d, got %d (found=%v err=%v)", chains[1].Patient.ID, id, found, err)
				}
			})

			// Receiving a new instance for patient 0 makes it most recent.
			write(tst, b, func(tx backend.Transaction) {
				_, err := tx.CreateInstance(ctx, data.InstanceHashes{
					Patient:  "rec0-patient",
					Study:    "rec0-study",
					Series:   "rec0-series",
					Instance: "rec0-instance-2",
				})
				if err != nil {
					tst.Fatalf("CreateInstance failed: %v", err)
				}
			})
			read(tst, b, func(tx backend.Transaction) {
				id, found, err := tx.SelectPatientToRecycle(ctx, -1)
				if err != nil || !found || id != chains[1].Patient.ID {
					tst.Errorf("Expected patient %d after touch, got %d (found=%v err=%v)", chains[1].Patient.ID, id, found, err)
				}
			})

			// Protection removes a patient from the queue entirely.
			write(tst, b, func(tx backend.Transaction) {
				if err := tx.SetProtectedPatient(ctx, chains[1].Patient.ID, true); err != nil {
					tst.Fatalf("SetProtectedPatient failed: %v", err)
				}
			})
			read(tst, b, func(tx backend.Transaction) {
				protected, err := tx.IsProtectedPatient(ctx, chains[1].Patient.ID)
				if err != nil || !protected {
					tst.Errorf("Expected patient to be protected, got %v (err=%v)", protected, err)
				}
				id, found, err := tx.SelectPatientToRecycle(ctx, -1)
				if err != nil || !found || id != chains[2].Patient.ID {
					tst.Errorf("Expected patient %d, got %d (found=%v err=%v)", chains[2].Patient.ID, id, found, err)
				}
			})

			// Touching a protected patient must not resurrect its entry.
			write(tst, b, func(tx backend.Transaction) {
				if err := tx.TagMostRecentPatient(ctx, chains[1].Patient.ID); err != nil {
					tst.Fatalf("TagMostRecentPatient failed: %v", err)
				}
			})
			read(tst, b, func(tx backend.Transaction) {
				protected, err := tx.IsProtectedPatient(ctx, chains[1].Patient.ID)
				if err != nil || !protected {
					tst.Errorf("Expected protection to survive a touch, got %v (err=%v)", protected, err)
				}
			})

			// Unprotecting reinserts at the recent end of the queue.
			write(tst, b, func(tx backend.Transaction) {
				if err := tx.SetProtectedPatient(ctx, chains[1].Patient.ID, false); err != nil {
					tst.Fatalf("SetProtectedPatient failed: %v", err)
				}
			})
			read(tst, b, func(tx backend.Transaction) {
				id, found, err := tx.SelectPatientToRecycle(ctx, -1)
				if err != nil || !found || id != chains[2].Patient.ID {
					tst.Errorf("Expected patient %d to stay oldest, got %d (found=%v err=%v)", chains[2].Patient.ID, id, found, err)
				}
			})
		})
	}
}

func TestAllBackends_IdentifierLookups(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			var chains [3]*data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				for i := range chains {
					chains[i] = createChain(tst, tx, fmt.Sprintf("idl%d", i))
					tag := data.Tag{Group: 0x0020, Element: 0x000d, Value: fmt.Sprintf("1.2.3.%d", i)}
					if err := tx.SetIdentifierTag(ctx, chains[i].Study.ID, tag); err != nil {
						tst.Fatalf("SetIdentifierTag failed: %v", err)
					}
				}
			})

			read(tst, b, func(tx backend.Transaction) {
				ids, err := tx.LookupIdentifier(ctx, data.LevelStudy, 0x0020, 0x000d, data.ConstraintEqual, "1.2.3.1")
				if err != nil || len(ids) != 1 || ids[0] != chains[1].Study.ID {
					tst.Errorf("Expected [%d], got %v (err=%v)", chains[1].Study.ID, ids, err)
				}

				// The tag lives at Study level only.
				ids, err = tx.LookupIdentifier(ctx, data.LevelSeries, 0x0020, 0x000d, data.ConstraintEqual, "1.2.3.1")
				if err != nil || len(ids) != 0 {
					tst.Errorf("Expected no series hit, got %v (err=%v)", ids, err)
				}

				ids, err = tx.LookupIdentifierRange(ctx, data.LevelStudy, 0x0020, 0x000d, "1.2.3.1", "1.2.3.2")
				if err != nil || len(ids) != 2 {
					tst.Errorf("Expected 2 range hits, got %v (err=%v)", ids, err)
				}
			})
		})
	}
}

func TestAllBackends_LookupResources(t *testing.T) {
	for name, factory := range GetTestBackendFactories() {
		t.Run(name, func(tst *testing.T) {
			ctx := context.Background()
			b := openBackend(tst, factory)

			var chains [3]*data.CreateInstanceResult
			write(tst, b, func(tx backend.Transaction) {
				modalities := []string{"CT", "MR", "CT"}
				for i := range chains {
					chains[i] = createChain(tst, tx, fmt.Sprintf("q%d", i))

					study := data.Tag{Group: 0x0020, Element: 0x000d, Value: fmt.Sprintf("1.2.3.%d", i)}
					if err := tx.SetIdentifierTag(ctx, chains[i].Study.ID, study); err != nil {
						tst.Fatalf("SetIdentifierTag failed: %v", err)
					}
					modality := data.Tag{Group: 0x0008, Element: 0x0060, Value: modalities[i]}
					if err := tx.SetMainDicomTag(ctx, chains[i].Series.ID, modality); err != nil {
						tst.Fatalf("SetMainDicomTag failed: %v", err)
					}
					date := data.Tag{Group: 0x0008, Element: 0x0020, Value: fmt.Sprintf("2024010%d", i+1)}
					if err := tx.SetMainDicomTag(ctx, chains[i].Study.ID, date); err != nil {
						tst.Fatalf("SetMainDicomTag failed: %v", err)
					}
				}
			})

			read(tst, b, func(tx backend.Transaction) {
				// Exact identifier at Study level.
				answers, err := tx.LookupResources(ctx, data.ResourceQuery{
					Level: data.LevelStudy,
					Constraints: []data.Constraint{{
						Level: data.LevelStudy, Group: 0x0020, Element: 0x000d,
						Type: data.ConstraintEqual, Values: []string{"1.2.3.0"},
						IsIdentifier: true, CaseSensitive: true,
					}},
				})
				if err != nil || len(answers) != 1 || answers[0].PublicID != "q0-study" {
					tst.Errorf("Expected [q0-study], got %v (err=%v)", answers, err)
				}

				// Wildcard on a main tag, expanded upward to Study level.
				answers, err = tx.LookupResources(ctx, data.ResourceQuery{
					Level: data.LevelStudy,
					Constraints: []data.Constraint{{
						Level: data.LevelSeries, Group: 0x0008, Element: 0x0060,
						Type: data.ConstraintWildcard, Values: []string{"C?"},
					}},
				})
				if err != nil || len(answers) != 2 {
					tst.Fatalf("Expected 2 CT studies, got %v (err=%v)", answers, err)
				}

				// Studies sort newest-first by the cached date key.
				if answers[0].PublicID != "q2-study" || answers[1].PublicID != "q0-study" {
					tst.Errorf("Expected [q2-study q0-study], got %v", answers)
				}

				// List constraint at Series level.
				answers, err = tx.LookupResources(ctx, data.ResourceQuery{
					Level: data.LevelSeries,
					Constraints: []data.Constraint{{
						Level: data.LevelSeries, Group: 0x0008, Element: 0x0060,
						Type: data.ConstraintList, Values: []string{"MR", "US"},
					}},
				})
				if err != nil || len(answers) != 1 || answers[0].PublicID != "q1-series" {
					tst.Errorf("Expected [q1-series], got %v (err=%v)", answers, err)
				}

				// Mixed identifier + main tag intersects across the chain.
				answers, err = tx.LookupResources(ctx, data.ResourceQuery{
					Level: data.LevelStudy,
					Constraints: []data.Constraint{
						{
							Level: data.LevelStudy, Group: 0x0020, Element: 0x000d,
							Type: data.ConstraintEqual, Values: []string{"1.2.3.2"},
							IsIdentifier: true, CaseSensitive: true,
						},
						{
							Level: data.LevelSeries, Group: 0x0008, Element: 0x0060,
							Type: data.ConstraintEqual, Values: []string{"ct"},
						},
					},
				})
				if err != nil || len(answers) != 1 || answers[0].PublicID != "q2-study" {
					tst.Errorf("Expected [q2-study], got %v (err=%v)", answers, err)
				}

				// An exact identifier without a match empties the whole
				// intersection regardless of the main-tag side.
				answers, err = tx.LookupResources(ctx, data.ResourceQuery{
					Level: data.LevelStudy,
					Constraints: []data.Constraint{
						{
							Level: data.LevelStudy, Group: 0x0020, Element: 0x000d,
							Type: data.ConstraintEqual, Values: []string{"9.9.9"},
							IsIdentifier: true, CaseSensitive: true,
						},
						{
							Level: data.LevelSeries, Group: 0x0008, Element: 0x0060,
							Type: data.ConstraintEqual, Values: []string{"CT"},
						},
					},
				})
				if err != nil || len(answers) != 0 {
					tst.Errorf("Expected no answers, got %v (err=%v)", answers, err)
				}

				// A wildcard identifier combined with a main tag still
				// intersects across the chain.
				answers, err = tx.LookupResources(ctx, data.ResourceQuery{
					Level: data.LevelStudy,
					Constraints: []data.Constraint{
						{
							Level: data.LevelStudy, Group: 0x0020, Element: 0x000d,
							Type: data.ConstraintWildcard, Values: []string{"1.2.3.*"},
							IsIdentifier: true, CaseSensitive: true,
						},
						{
							Level: data.LevelSeries, Group: 0x0008, Element: 0x0060,
							Type: data.ConstraintEqual, Values: []string{"MR"},
						},
					},
				})
				if err != nil || len(answers) != 1 || answers[0].PublicID != "q1-study" {
					tst.Errorf("Expected [q1-study], got %v (err=%v)", answers, err)
				}

				// Range constraint on the date tag.
				answers, err = tx.LookupResources(ctx, data.ResourceQuery{
					Level: data.LevelStudy,
					Constraints: []data.Constraint{
						{
							Level: data.LevelStudy, Group: 0x0008, Element: 0x0020,
							Type: data.ConstraintGreaterOrEqual, Values: []string{"20240102"},
						},
						{
							Level: data.LevelStudy, Group: 0x0008, Element: 0x0020,
							Type: data.ConstraintSmallerOrEqual, Values: []string{"20240103"},
						},
					},
				})
				if err != nil || len(answers) != 2 {
					tst.Errorf("Expected 2 studies in range, got %v (err=%v)", answers, err)
				}

				// No constraints: every resource at the level, capped by limit.
				answers, err = tx.LookupResources(ctx, data.ResourceQuery{
					Level: data.LevelPatient,
					Limit: 2,
				})
				if err != nil || len(answers) != 2 {
					tst.Errorf("Expected limit of 2 patients, got %v (err=%v)", answers, err)
				}

				// Instance sampling resolves a live instance below the hit.
				answers, err = tx.LookupResources(ctx, data.ResourceQuery{
					Level: data.LevelStudy,
					Constraints: []data.Constraint{{
						Level: data.LevelStudy, Group: 0x0020, Element: 0x000d,
						Type: data.ConstraintEqual, Values: []string{"1.2.3.0"},
						IsIdentifier: true, CaseSensitive: true,
					}},
					RetrieveInstance: true,
				})
				if err != nil || len(answers) != 1 || answers[0].InstancePublicID != "q0-instance" {
					tst.Errorf("Expected sampled instance q0-instance, got %v (err=%v)", answers, err)
				}
			})
		})
	}
}
