package engine

import (
	"strings"
	"testing"

	"github.com/normalerweise/icloud-photos-sync/internal/icloud/photos"
	"github.com/normalerweise/icloud-photos-sync/internal/library"
)

func remoteAsset(checksum, base, fileType string, size int64) photos.RemoteAsset {
	return photos.RemoteAsset{
		Asset: library.Asset{
			RecordName:   "rec-" + base,
			FileChecksum: checksum,
			Size:         size,
			Modified:     1700000000000,
			FileType:     fileType,
		},
		Base:             base,
		MasterRecordName: "master-" + base,
	}
}

func loadTestLibrary(t *testing.T) *library.PhotosLibrary {
	t.Helper()
	lib, err := library.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return lib
}

func addLocalAsset(t *testing.T, lib *library.PhotosLibrary, a photos.RemoteAsset, content string) string {
	t.Helper()
	asset := a.Asset
	asset.Size = int64(len(content))
	written, err := lib.WriteAsset(&asset, strings.NewReader(content))
	if err != nil || !written {
		t.Fatalf("write asset: written=%t err=%v", written, err)
	}
	name, _ := asset.Filename()
	return name
}

func TestPlanEmptyWhenInSync(t *testing.T) {
	lib := loadTestLibrary(t)
	a := remoteAsset("YWFh", "IMG_1", "public.jpeg", 3)
	name := addLocalAsset(t, lib, a, "aaa")

	if err := lib.CreateAlbum(&library.Album{UUID: "U1", Name: "Family"}); err != nil {
		t.Fatal(err)
	}
	link, _ := a.LinkName(a.Base)
	if err := lib.LinkAsset("U1", link, name); err != nil {
		t.Fatal(err)
	}

	remote := []photos.RemoteAlbum{{UUID: "U1", Name: "Family", AssetRecordNames: []string{a.RecordName}}}
	plan := ComputePlan([]photos.RemoteAsset{a}, remote, lib)
	if !plan.Empty() {
		t.Fatalf("plan not empty: %+v", plan)
	}
}

func TestPlanDownloadsMissingAndRemovesStale(t *testing.T) {
	lib := loadTestLibrary(t)
	stale := remoteAsset("b2xk", "OLD", "public.jpeg", 3)
	staleName := addLocalAsset(t, lib, stale, "old")

	fresh := remoteAsset("YWFh", "IMG_1", "public.jpeg", 3)
	plan := ComputePlan([]photos.RemoteAsset{fresh}, nil, lib)

	if len(plan.AssetsToAdd) != 1 || plan.AssetsToAdd[0].RecordName != fresh.RecordName {
		t.Fatalf("AssetsToAdd = %+v", plan.AssetsToAdd)
	}
	if len(plan.AssetsToRemove) != 1 || plan.AssetsToRemove[0] != staleName {
		t.Fatalf("AssetsToRemove = %+v", plan.AssetsToRemove)
	}
}

func TestPlanNoRedundantDownload(t *testing.T) {
	lib := loadTestLibrary(t)
	a := remoteAsset("YWFh", "IMG_1", "public.jpeg", 3)
	addLocalAsset(t, lib, a, "aaa")

	plan := ComputePlan([]photos.RemoteAsset{a}, nil, lib)
	if len(plan.AssetsToAdd) != 0 {
		t.Fatalf("redundant download planned: %+v", plan.AssetsToAdd)
	}
}

func TestPlanRedownloadsSizeMismatch(t *testing.T) {
	lib := loadTestLibrary(t)
	a := remoteAsset("YWFh", "IMG_1", "public.jpeg", 3)
	addLocalAsset(t, lib, a, "aaa")

	bigger := a
	bigger.Size = 10
	plan := ComputePlan([]photos.RemoteAsset{bigger}, nil, lib)
	if len(plan.AssetsToAdd) != 1 {
		t.Fatalf("size mismatch not redownloaded: %+v", plan.AssetsToAdd)
	}
}

func TestPlanArchivedAlbumProtectsAssets(t *testing.T) {
	lib := loadTestLibrary(t)
	a := remoteAsset("YWFh", "IMG_1", "public.jpeg", 3)
	name := addLocalAsset(t, lib, a, "aaa")
	if err := lib.CreateAlbum(&library.Album{UUID: "U1", Name: "Family"}); err != nil {
		t.Fatal(err)
	}
	if err := lib.MarkArchived("U1", []string{name}); err != nil {
		t.Fatal(err)
	}

	// Remote no longer has the asset nor the album.
	plan := ComputePlan(nil, nil, lib)
	if len(plan.AssetsToRemove) != 0 {
		t.Fatalf("archived-linked asset scheduled for removal: %v", plan.AssetsToRemove)
	}
	if len(plan.AlbumsToRelocate) != 1 || plan.AlbumsToRelocate[0] != "U1" {
		t.Fatalf("archived album not relocated: %+v", plan)
	}
	if len(plan.AlbumsToDelete) != 0 {
		t.Fatal("archived album scheduled for deletion")
	}
}

func TestPlanAlbumCreateToposorted(t *testing.T) {
	lib := loadTestLibrary(t)
	remote := []photos.RemoteAlbum{
		{UUID: "C", Name: "Child", ParentUUID: "B"},
		{UUID: "B", Name: "Mid", ParentUUID: "A", Folder: true},
		{UUID: "A", Name: "Top", Folder: true},
	}
	plan := ComputePlan(nil, remote, lib)
	if len(plan.AlbumsToCreate) != 3 {
		t.Fatalf("creates = %d", len(plan.AlbumsToCreate))
	}
	pos := map[string]int{}
	for i, a := range plan.AlbumsToCreate {
		pos[a.UUID] = i
	}
	if !(pos["A"] < pos["B"] && pos["B"] < pos["C"]) {
		t.Fatalf("not parent-first: %v", pos)
	}
}

func TestPlanAlbumDeleteChildFirst(t *testing.T) {
	lib := loadTestLibrary(t)
	if err := lib.CreateAlbum(&library.Album{UUID: "A", Name: "Top", Type: library.AlbumTypeFolder}); err != nil {
		t.Fatal(err)
	}
	if err := lib.CreateAlbum(&library.Album{UUID: "B", Name: "Child", ParentUUID: "A"}); err != nil {
		t.Fatal(err)
	}
	plan := ComputePlan(nil, nil, lib)
	if len(plan.AlbumsToDelete) != 2 {
		t.Fatalf("deletes = %v", plan.AlbumsToDelete)
	}
	if plan.AlbumsToDelete[0] != "B" || plan.AlbumsToDelete[1] != "A" {
		t.Fatalf("not child-first: %v", plan.AlbumsToDelete)
	}
}

func TestPlanNoCreateThenDelete(t *testing.T) {
	lib := loadTestLibrary(t)
	remote := []photos.RemoteAlbum{{UUID: "U1", Name: "Family"}}
	plan := ComputePlan(nil, remote, lib)
	for _, uuid := range plan.AlbumsToDelete {
		for _, created := range plan.AlbumsToCreate {
			if created.UUID == uuid {
				t.Fatalf("album %s created and deleted in one plan", uuid)
			}
		}
	}
}

func TestPlanMoveDetected(t *testing.T) {
	lib := loadTestLibrary(t)
	if err := lib.CreateAlbum(&library.Album{UUID: "U2", Name: "People", Type: library.AlbumTypeFolder}); err != nil {
		t.Fatal(err)
	}
	if err := lib.CreateAlbum(&library.Album{UUID: "U1", Name: "Family"}); err != nil {
		t.Fatal(err)
	}

	remote := []photos.RemoteAlbum{
		{UUID: "U2", Name: "People", Folder: true},
		{UUID: "U1", Name: "Family", ParentUUID: "U2"},
	}
	plan := ComputePlan(nil, remote, lib)
	if len(plan.AlbumsToMove) != 1 {
		t.Fatalf("moves = %+v", plan.AlbumsToMove)
	}
	mv := plan.AlbumsToMove[0]
	if mv.UUID != "U1" || mv.NewParent != "U2" {
		t.Fatalf("move = %+v", mv)
	}
	if len(plan.AlbumsToCreate) != 0 || len(plan.AlbumsToDelete) != 0 {
		t.Fatal("move expressed as create/delete")
	}
}

func TestPlanLinkReconciliation(t *testing.T) {
	lib := loadTestLibrary(t)
	a := remoteAsset("YWFh", "IMG_1", "public.jpeg", 3)
	b := remoteAsset("YmJi", "IMG_2", "public.jpeg", 3)
	nameA := addLocalAsset(t, lib, a, "aaa")
	addLocalAsset(t, lib, b, "bbb")

	if err := lib.CreateAlbum(&library.Album{UUID: "U1", Name: "Family"}); err != nil {
		t.Fatal(err)
	}
	linkA, _ := a.LinkName(a.Base)
	if err := lib.LinkAsset("U1", linkA, nameA); err != nil {
		t.Fatal(err)
	}

	// Remote: album now contains only B.
	remote := []photos.RemoteAlbum{{UUID: "U1", Name: "Family", AssetRecordNames: []string{b.RecordName}}}
	plan := ComputePlan([]photos.RemoteAsset{a, b}, remote, lib)

	if len(plan.LinkAdds) != 1 || plan.LinkAdds[0].LinkName != "IMG_2.jpg" {
		t.Fatalf("LinkAdds = %+v", plan.LinkAdds)
	}
	if len(plan.LinkRemoves) != 1 || plan.LinkRemoves[0].LinkName != "IMG_1.jpg" {
		t.Fatalf("LinkRemoves = %+v", plan.LinkRemoves)
	}
}

func TestPlanStashArchivedChildOfDeletedFolder(t *testing.T) {
	lib := loadTestLibrary(t)
	if err := lib.CreateAlbum(&library.Album{UUID: "F", Name: "Folder", Type: library.AlbumTypeFolder}); err != nil {
		t.Fatal(err)
	}
	if err := lib.CreateAlbum(&library.Album{UUID: "U1", Name: "Family", ParentUUID: "F"}); err != nil {
		t.Fatal(err)
	}
	if err := lib.MarkArchived("U1", nil); err != nil {
		t.Fatal(err)
	}

	// Remote: the folder is gone, but the archived album's UUID lives on.
	remote := []photos.RemoteAlbum{{UUID: "U1", Name: "Family"}}
	plan := ComputePlan(nil, remote, lib)
	if len(plan.AlbumsToStash) != 1 || plan.AlbumsToStash[0] != "U1" {
		t.Fatalf("AlbumsToStash = %v", plan.AlbumsToStash)
	}
	if len(plan.AlbumsToDelete) != 1 || plan.AlbumsToDelete[0] != "F" {
		t.Fatalf("AlbumsToDelete = %v", plan.AlbumsToDelete)
	}
}
