package hypervcli

import (
	"encoding/base64"
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"
)

// hostFunctions are helper functions prepended to scripts of commands that
// have no built-in cmdlet.
var hostFunctions = map[string]string{
	CmdNewProvisioningMedia: newProvisioningMediaFunc,
}

const newProvisioningMediaFunc = `function New-ProvisioningMedia {
  [CmdletBinding()]
  param([Parameter(Mandatory)][string]$Path, [Parameter(Mandatory)][hashtable]$Files, [string]$VolumeName = 'cidata')
  if (-not ('CatletIsoWriter' -as [type])) {
    $cp = New-Object CodeDom.Compiler.CompilerParameters
    $cp.CompilerOptions = '/unsafe'
    Add-Type -CompilerParameters $cp -TypeDefinition @'
public class CatletIsoWriter {
  public unsafe static void Write(string path, object stream, int blockSize, int totalBlocks) {
    int read = 0;
    byte[] buf = new byte[blockSize];
    var ptr = (System.IntPtr)(&read);
    var input = stream as System.Runtime.InteropServices.ComTypes.IStream;
    using (var output = System.IO.File.Create(path)) {
      while (totalBlocks-- > 0) { input.Read(buf, blockSize, ptr); output.Write(buf, 0, read); }
    }
  }
}
'@
  }
  New-Item -ItemType Directory -Force -Path (Split-Path -Parent $Path) | Out-Null
  $image = New-Object -ComObject IMAPI2FS.MsftFileSystemImage
  $image.FileSystemsToCreate = 3
  $image.VolumeName = $VolumeName
  foreach ($name in $Files.Keys) {
    $stream = New-Object -ComObject ADODB.Stream
    $stream.Type = 1
    $stream.Open()
    $stream.Write([Text.Encoding]::UTF8.GetBytes($Files[$name]))
    $stream.Position = 0
    $image.Root.AddFile($name, $stream)
  }
  $result = $image.CreateResultImage()
  [CatletIsoWriter]::Write($Path, $result.ImageStream, $result.BlockSize, $result.TotalBlocks)
}`

const vmProjection = `$mem = Get-VMMemory -VM $vm
$fw = $null
if ($vm.Generation -eq 2) { $fw = Get-VMFirmware -VM $vm }
[pscustomobject]@{
  Id = $vm.Id.ToString()
  Name = $vm.Name
  Generation = $vm.Generation
  State = $vm.State.ToString()
  ProcessorCount = $vm.ProcessorCount
  Memory = @{ Startup = $mem.Startup; Minimum = $mem.Minimum; Maximum = $mem.Maximum; DynamicMemoryEnabled = $mem.DynamicMemoryEnabled }
  NetworkAdapters = @(Get-VMNetworkAdapter -VM $vm | ForEach-Object { @{ Id = $_.Id; Name = $_.Name; Connected = $_.Connected; SwitchName = $_.SwitchName; MacAddress = $_.MacAddress } })
  HardDrives = @(Get-VMHardDiskDrive -VM $vm | ForEach-Object {
    $size = 0
    if ($_.Path -and (Test-Path -LiteralPath $_.Path)) { $size = (Get-VHD -Path $_.Path).Size }
    @{ ControllerType = $_.ControllerType.ToString(); ControllerNumber = $_.ControllerNumber; ControllerLocation = $_.ControllerLocation; Path = $_.Path; Size = $size }
  })
  DvdDrives = @(Get-VMDvdDrive -VM $vm | ForEach-Object { @{ ControllerType = $_.ControllerType.ToString(); ControllerNumber = $_.ControllerNumber; ControllerLocation = $_.ControllerLocation; Path = $_.Path } })
  Firmware = $(if ($fw) { @{ SecureBoot = ($fw.SecureBoot.ToString() -eq 'On'); SecureBootTemplate = $fw.SecureBootTemplate } } else { $null })
}`

func queryVMScript(id uuid.UUID) string {
	return fmt.Sprintf("$vm = Get-VM -Id %s -ErrorAction Stop\n%s", quote(id.String()), vmProjection)
}

func findVMScript(name string) string {
	return fmt.Sprintf("$vm = Get-VM -Name %s -ErrorAction Stop | Select-Object -First 1\n%s", quote(name), vmProjection)
}

func firmwareScript(id uuid.UUID) string {
	return fmt.Sprintf(`$vm = Get-VM -Id %s -ErrorAction Stop
$fw = Get-VMFirmware -VM $vm -ErrorAction Stop
@{ SecureBoot = ($fw.SecureBoot.ToString() -eq 'On'); SecureBootTemplate = $fw.SecureBootTemplate }`, quote(id.String()))
}

func createVMScript(name, path string, generation int, memoryBytes int64) string {
	return fmt.Sprintf(`$vm = New-VM -Name %s -Generation %d -Path %s -MemoryStartupBytes %d -NoVHD -ErrorAction Stop
$vm.Id.ToString()`, quote(name), generation, quote(path), memoryBytes)
}

func removeVMScript(id uuid.UUID) string {
	return fmt.Sprintf(`$vm = Get-VM -Id %s -ErrorAction Stop
if ($vm.State -ne 'Off') { Stop-VM -VM $vm -TurnOff -Force -ErrorAction Stop }
Remove-VM -VM $vm -Force -ErrorAction Stop`, quote(id.String()))
}

const (
	versionScript  = `$PSVersionTable.PSVersion.ToString()`
	switchesScript = `@(Get-VMSwitch | ForEach-Object { @{ Id = $_.Id.ToString(); Name = $_.Name; SwitchType = $_.SwitchType.ToString() } })`
)

// envelope wraps a script so that it always prints exactly one compressed JSON
// line: {"ok":true,"data":...} or {"ok":false,"error":"..."}.
func envelope(script string) string {
	return fmt.Sprintf(`$ErrorActionPreference = 'Stop'
$ProgressPreference = 'SilentlyContinue'
try {
  $__data = & {
%s
  }
  [pscustomobject]@{ ok = $true; data = $__data } | ConvertTo-Json -Depth 8 -Compress
} catch {
  [pscustomobject]@{ ok = $false; error = $_.Exception.Message } | ConvertTo-Json -Compress
}`, script)
}

// encodeCommand encodes a script for -EncodedCommand, which expects base64
// over UTF-16LE.
func encodeCommand(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		buf[i*2] = byte(u)
		buf[i*2+1] = byte(u >> 8)
	}
	return base64.StdEncoding.EncodeToString(buf)
}
