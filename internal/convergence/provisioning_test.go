package convergence

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

const provisioningDir = `C:\catlets\catlet-1\provisioning`

var mediaPathPattern = regexp.MustCompile(`^C:\\catlets\\catlet-1\\provisioning\\cloud-init-[0-9a-f]{12}\.iso$`)

func cloudConfigFodder(content string) []models.Fodder {
	return []models.Fodder{{Name: "base", Type: "cloud-config", Content: content}}
}

func staleMedia(location int, hash string) models.Drive {
	return models.Drive{
		ControllerType:     models.ControllerSCSI,
		ControllerLocation: location,
		Type:               models.DriveTypeDVD,
		Path:               provisioningDir + `\cloud-init-` + hash + `.iso`,
	}
}

func TestProvisioningAttachesMedia(t *testing.T) {
	t.Parallel()

	vm := offVM()
	host := newFakeHost(vm)
	r := &reports{}
	c := newTestContext(t, host, models.CatletConfig{
		Name:   "catlet-1",
		Fodder: cloudConfigFodder("packages:\n  - nginx\n"),
	}, r)

	got, err := Provisioning{}.Converge(context.Background(), c, vm)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}

	if diff := cmp.Diff([]string{hypervcli.CmdNewProvisioningMedia, hypervcli.CmdAddDvdDrive}, host.names()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Attach provisioning media"}, r.messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}

	drives := provisioningDrives(got, provisioningDir)
	if len(drives) != 1 {
		t.Fatalf("expected one provisioning drive, got %v", drives)
	}
	if !mediaPathPattern.MatchString(drives[0].Path) {
		t.Fatalf("unexpected media path %q", drives[0].Path)
	}

	v, _ := host.commands[0].Param("Files")
	files := v.(map[string]string)
	want := map[string]string{
		userDataFile: "#cloud-config\npackages:\n- nginx\n",
		metaDataFile: "instance-id: catlet-1\nlocal-hostname: catlet-1\n",
	}
	if diff := cmp.Diff(want[userDataFile], files[userDataFile]); diff != "" {
		t.Fatalf("user-data mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[metaDataFile], files[metaDataFile]); diff != "" {
		t.Fatalf("meta-data mismatch (-want +got):\n%s", diff)
	}

	again, err := Provisioning{}.Converge(context.Background(), c, got)
	if err != nil {
		t.Fatalf("second Converge: %v", err)
	}
	if diff := cmp.Diff(got, again); diff != "" {
		t.Fatalf("second pass changed the snapshot (-want +got):\n%s", diff)
	}
	if len(host.commands) != 2 {
		t.Fatalf("second pass issued commands: %v", host.names())
	}
}

func TestProvisioningReplacesStaleMedia(t *testing.T) {
	t.Parallel()

	vm := offVM()
	vm.Drives = []models.Drive{staleMedia(1, "000000000000")}
	host := newFakeHost(vm)
	c := newTestContext(t, host, models.CatletConfig{Fodder: cloudConfigFodder("runcmd: [ls]")}, nil)

	got, err := Provisioning{}.Converge(context.Background(), c, vm)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}

	if diff := cmp.Diff([]string{hypervcli.CmdNewProvisioningMedia, hypervcli.CmdSetDvdDrive}, host.names()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	drives := provisioningDrives(got, provisioningDir)
	if len(drives) != 1 {
		t.Fatalf("expected one provisioning drive, got %v", drives)
	}
	if strings.Contains(drives[0].Path, "000000000000") {
		t.Fatalf("stale media still attached: %q", drives[0].Path)
	}
	if drives[0].ControllerLocation != 1 {
		t.Fatalf("media must reuse the existing drive, got location %d", drives[0].ControllerLocation)
	}
}

func TestProvisioningRemovesExtraStaleMedia(t *testing.T) {
	t.Parallel()

	vm := offVM()
	vm.Drives = []models.Drive{staleMedia(1, "000000000000"), staleMedia(2, "111111111111")}
	host := newFakeHost(vm)
	r := &reports{}
	c := newTestContext(t, host, models.CatletConfig{Fodder: cloudConfigFodder("runcmd: [ls]")}, r)

	got, err := Provisioning{}.Converge(context.Background(), c, vm)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}

	want := []string{hypervcli.CmdNewProvisioningMedia, hypervcli.CmdSetDvdDrive, hypervcli.CmdRemoveDvdDrive}
	if diff := cmp.Diff(want, host.names()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Attach provisioning media"}, r.messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	if v, _ := host.commands[2].Param("ControllerLocation"); v != 2 {
		t.Fatalf("expected the second stale drive to be removed, got location %v", v)
	}
	drives := provisioningDrives(got, provisioningDir)
	if len(drives) != 1 || drives[0].ControllerLocation != 1 || !mediaPathPattern.MatchString(drives[0].Path) {
		t.Fatalf("unexpected provisioning drives: %v", drives)
	}

	host.commands = nil
	if _, err := (Provisioning{}).Converge(context.Background(), c, got); err != nil {
		t.Fatalf("second Converge: %v", err)
	}
	if len(host.commands) != 0 {
		t.Fatalf("second pass issued commands: %v", host.names())
	}
}

func TestProvisioningRemovesStaleMediaBesideCurrent(t *testing.T) {
	t.Parallel()

	vm := offVM()
	host := newFakeHost(vm)
	r := &reports{}
	c := newTestContext(t, host, models.CatletConfig{Fodder: cloudConfigFodder("runcmd: [ls]")}, r)

	got, err := Provisioning{}.Converge(context.Background(), c, vm)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	extra := staleMedia(5, "000000000000")
	got.Drives = append(got.Drives, extra)
	host.vm.Drives = append(host.vm.Drives, extra)
	host.commands = nil
	r.messages = nil

	got, err = Provisioning{}.Converge(context.Background(), c, got)
	if err != nil {
		t.Fatalf("second Converge: %v", err)
	}
	if diff := cmp.Diff([]string{hypervcli.CmdRemoveDvdDrive}, host.names()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Remove provisioning media"}, r.messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	if drives := provisioningDrives(got, provisioningDir); len(drives) != 1 || strings.Contains(drives[0].Path, "000000000000") {
		t.Fatalf("unexpected provisioning drives: %v", drives)
	}
}

func TestProvisioningMatchesForwardSlashPaths(t *testing.T) {
	t.Parallel()

	vm := offVM()
	host := newFakeHost(vm)
	c := newTestContext(t, host, models.CatletConfig{Fodder: cloudConfigFodder("runcmd: [ls]")}, nil)
	got, err := Provisioning{}.Converge(context.Background(), c, vm)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	for i := range got.Drives {
		got.Drives[i].Path = strings.ReplaceAll(got.Drives[i].Path, `\`, "/")
	}
	host.commands = nil

	if _, err := (Provisioning{}).Converge(context.Background(), c, got); err != nil {
		t.Fatalf("second Converge: %v", err)
	}
	if len(host.commands) != 0 {
		t.Fatalf("expected no commands, got %v", host.names())
	}
}

func TestProvisioningRemovesMediaWithoutFodder(t *testing.T) {
	t.Parallel()

	vm := offVM()
	vm.Drives = []models.Drive{
		{ControllerType: models.ControllerSCSI, ControllerLocation: 0, Type: models.DriveTypeDVD, Path: `C:\isos\tools.iso`},
		staleMedia(1, "abcdef012345"),
	}
	host := newFakeHost(vm)
	r := &reports{}
	c := newTestContext(t, host, models.CatletConfig{}, r)

	got, err := Provisioning{}.Converge(context.Background(), c, vm)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if diff := cmp.Diff([]string{hypervcli.CmdRemoveDvdDrive}, host.names()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Remove provisioning media"}, r.messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	if len(got.Drives) != 1 || got.Drives[0].Path != `C:\isos\tools.iso` {
		t.Fatalf("unexpected drives: %v", got.Drives)
	}
}

func TestProvisioningInvalidCloudConfig(t *testing.T) {
	t.Parallel()

	vm := offVM()
	host := newFakeHost(vm)
	c := newTestContext(t, host, models.CatletConfig{Fodder: cloudConfigFodder("packages: [unterminated")}, nil)

	_, err := Provisioning{}.Converge(context.Background(), c, vm)
	if !errors.Is(err, ErrPreconditionNotMet) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(host.commands) != 0 {
		t.Fatalf("expected no commands, got %v", host.names())
	}
}

func TestRenderUserDataMultipart(t *testing.T) {
	t.Parallel()

	fodder := []models.Fodder{
		{Name: "base", Content: "users:\n  - name: admin\n"},
		{Name: "setup", Type: "shell-script", FileName: "setup.sh", Content: "#!/bin/sh\necho hi\n"},
	}
	doc, err := renderUserData(fodder)
	if err != nil {
		t.Fatalf("renderUserData: %v", err)
	}

	if !strings.HasPrefix(doc, "Content-Type: multipart/mixed; boundary=\"catlet-") {
		t.Fatalf("unexpected header:\n%s", doc)
	}
	for _, part := range []string{
		"Content-Type: text/x-shellscript; charset=\"utf-8\"",
		"Content-Disposition: attachment; filename=\"setup.sh\"",
		"#cloud-config\nusers:\n- name: admin\n",
	} {
		if !strings.Contains(doc, part) {
			t.Fatalf("document does not contain %q:\n%s", part, doc)
		}
	}

	again, err := renderUserData(fodder)
	if err != nil {
		t.Fatalf("renderUserData: %v", err)
	}
	if doc != again {
		t.Fatalf("rendering must be deterministic")
	}

	if _, err := renderUserData([]models.Fodder{{Name: "a", Type: "unknown"}, {Name: "b"}}); err == nil {
		t.Fatalf("expected error for unknown fodder type")
	}
}

func TestMediaHashChangesWithContent(t *testing.T) {
	t.Parallel()

	a := mediaHash(map[string]string{userDataFile: "a", metaDataFile: "m"})
	b := mediaHash(map[string]string{userDataFile: "b", metaDataFile: "m"})
	if len(a) != 12 {
		t.Fatalf("expected 12 hex digits, got %q", a)
	}
	if a == b {
		t.Fatalf("hash must change with content")
	}
}
